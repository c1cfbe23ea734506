package messaging

// DefaultTopic receives every miner event unless kafka.topic says otherwise.
const DefaultTopic = "gominer.events"

// Event types, carried in the "type" header and the payload.
const (
	EventRound      = "round"      // a coordinator round ended
	EventSubmission = "submission" // a block was sent to the node
	EventHashrate   = "hashrate"   // periodic hashrate sample
)
