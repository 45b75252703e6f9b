// Package queue carries ticket issuance requests over RabbitMQ so that a
// settled order is issued at least once even if the settling process dies.
package queue

import (
	"fmt"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

const (
	IssueQueue  = "tickets.issue"
	contentType = "application/cbor"
)

// IssuanceJob asks a worker to issue the tickets of a paid order.
type IssuanceJob struct {
	OrderID     uuid.UUID `cbor:"1,keyasint"`
	RequestedAt time.Time `cbor:"2,keyasint"`
	Attempt     int       `cbor:"3,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	opts.TextMarshaler = cbor.TextMarshalerTextString
	encMode, err = opts.EncMode()
	if err != nil {
		panic("queue: cbor encoder: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType:  reflect.TypeOf(map[string]any(nil)),
		TextUnmarshaler: cbor.TextUnmarshalerTextString,
	}.DecMode()
	if err != nil {
		panic("queue: cbor decoder: " + err.Error())
	}
}

func EncodeJob(job IssuanceJob) ([]byte, error) {
	b, err := encMode.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("queue.EncodeJob: %w", err)
	}
	return b, nil
}

func DecodeJob(b []byte) (IssuanceJob, error) {
	var job IssuanceJob
	if err := decMode.Unmarshal(b, &job); err != nil {
		return IssuanceJob{}, fmt.Errorf("queue.DecodeJob: %w", err)
	}

	if job.OrderID == uuid.Nil {
		return IssuanceJob{}, fmt.Errorf("queue.DecodeJob: missing order id")
	}

	return job, nil
}
