package connection

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// envelope is the combined-stream wrapper: {"stream":"btcusdt@depth","data":{...}}.
type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

var errInflatedTooLarge = errors.New("inflated frame exceeds read limit")

// decodeFrame turns a raw frame into a Message. Binary frames are gzip streams
// and may inflate to at most limit bytes.
func decodeFrame(raw TimestampedMessage, limit int64) (Message, error) {
	payload := raw.Data
	if raw.Binary {
		var err error
		payload, err = gunzip(payload, limit)
		if err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrDecompress, err)
		}
	}

	if !json.Valid(payload) {
		return Message{}, ErrMalformedFrame
	}

	msg := Message{
		Type:       MessageData,
		Data:       json.RawMessage(payload),
		ReceivedAt: raw.ReceivedAt,
	}

	trimmed := bytes.TrimLeft(payload, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var env envelope
		if err := json.Unmarshal(payload, &env); err == nil && env.Stream != "" && len(env.Data) > 0 {
			msg.Stream = env.Stream
			msg.Data = env.Data
		}
	}

	return msg, nil
}

func gunzip(data []byte, limit int64) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	out, err := io.ReadAll(io.LimitReader(zr, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > limit {
		return nil, errInflatedTooLarge
	}
	return out, nil
}
