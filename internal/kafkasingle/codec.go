package kafkasingle

import "encoding/json"

// encodeValue/decodeValue serialize a message value into the V bytes
// portion of a record. JSON keeps this honest for any value Maelstrom's
// workload generator sends, at the cost of being slightly larger than a
// fixed-width numeric encoding — acceptable since this log lives in memory
// for the lifetime of one process and is never shipped over the wire
// outside of poll_ok's own JSON envelope anyway.
func encodeValue(v float64) ([]byte, error) {
	return json.Marshal(v)
}

func decodeValue(b []byte) (float64, error) {
	var v float64
	err := json.Unmarshal(b, &v)
	return v, err
}
