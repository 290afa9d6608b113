package frame

import "bytes"

// Decoder accumulates socket bytes and emits one raw message per NUL
// sentinel. A Decoder belongs to exactly one connection and is not safe for
// concurrent use; transports feed it sequentially.
type Decoder struct {
	buf bytes.Buffer
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// DecodeNextByte consumes a single byte. When the byte completes a frame the
// raw message, sentinel included, is returned with ok set.
func (d *Decoder) DecodeNextByte(b byte) (string, bool) {
	if b == Terminator {
		d.buf.WriteByte(b)
		raw := d.buf.String()
		d.buf.Reset()
		return raw, true
	}
	d.buf.WriteByte(b)
	return "", false
}

// Decode feeds a read chunk through the decoder and returns every message it
// completed. Bytes of an unfinished frame stay buffered for the next chunk.
func (d *Decoder) Decode(data []byte) []string {
	var messages []string
	for _, b := range data {
		if raw, ok := d.DecodeNextByte(b); ok {
			messages = append(messages, raw)
		}
	}
	return messages
}
