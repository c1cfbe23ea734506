package node

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"io/fs"
	"net"
	"strings"
	"syscall"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/rpcclient"

	"github.com/bardlex/gominer/pkg/errors"
)

// Bitcoin Core answers with these codes while it cannot serve work yet.
const (
	rpcClientNotConnected      btcjson.RPCErrorCode = -9
	rpcClientInInitialDownload btcjson.RPCErrorCode = -10
)

// Classify maps a raw transport or node error onto the node error
// taxonomy: unreachable (retried), malformed, rejected or config (surfaced).
// Errors that are already classified and caller cancellation pass through.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}

	for _, t := range []errors.ErrorType{errors.ErrorTypeUnreachable, errors.ErrorTypeMalformed, errors.ErrorTypeRejected, errors.ErrorTypeConfig} {
		if errors.HasType(err, t) {
			return err
		}
	}

	if stderrors.Is(err, context.Canceled) {
		return err
	}

	var rpcErr *btcjson.RPCError
	if stderrors.As(err, &rpcErr) {
		switch rpcErr.Code {
		case rpcClientNotConnected, rpcClientInInitialDownload:
			return errors.Wrap(err, errors.ErrorTypeUnreachable, op, "node is not ready").
				WithContext("rpc_code", int(rpcErr.Code))
		}
		return errors.Wrap(err, errors.ErrorTypeRejected, op, "node refused the request").
			WithContext("rpc_code", int(rpcErr.Code))
	}

	// rpcclient reads the cookie file before every call
	var pathErr *fs.PathError
	if stderrors.As(err, &pathErr) {
		return errors.Wrap(err, errors.ErrorTypeConfig, op, "cannot read node credentials").
			WithContext("path", pathErr.Path)
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if stderrors.As(err, &syntaxErr) || stderrors.As(err, &typeErr) {
		return errors.Wrap(err, errors.ErrorTypeMalformed, op, "cannot decode node response")
	}

	msg := err.Error()
	if strings.Contains(msg, "status code: 401") || strings.Contains(msg, "status code: 403") {
		return errors.Wrap(err, errors.ErrorTypeConfig, op, "node rejected the credentials")
	}

	var netErr net.Error
	switch {
	case stderrors.Is(err, context.DeadlineExceeded),
		stderrors.Is(err, syscall.ECONNREFUSED),
		stderrors.Is(err, io.EOF),
		stderrors.Is(err, io.ErrUnexpectedEOF),
		stderrors.Is(err, rpcclient.ErrClientShutdown),
		stderrors.As(err, &netErr):
		return errors.Wrap(err, errors.ErrorTypeUnreachable, op, "node unreachable")
	}

	// anything unrecognised comes from the transport
	return errors.Wrap(err, errors.ErrorTypeUnreachable, op, "node call failed")
}
