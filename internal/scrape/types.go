package scrape

import (
	"errors"
	"time"
)

// ErrConnectionLost signals an unrecoverable broker failure on the consume side.
var ErrConnectionLost = errors.New("broker connection lost")

// ErrPublisherNotConfigured is returned when a publish is attempted without a backend.
var ErrPublisherNotConfigured = errors.New("publisher is not configured")

// Outcome tags a Result as a success or a failure.
type Outcome string

// Result outcomes.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Task is one URL pulled from the input queue together with the handle used
// to acknowledge the originating message.
type Task struct {
	ID       string
	URL      string
	Received time.Time
	Ack      Acknowledger
}

// NewTask builds a Task from a broker delivery. The body is used as the URL
// verbatim; malformed values surface later as fetch failures.
func NewTask(d Delivery, received time.Time) Task {
	return Task{
		ID:       d.ID,
		URL:      string(d.Body),
		Received: received,
		Ack:      d.Ack,
	}
}

// Result is the outcome of fetching one Task.
type Result struct {
	Task       Task
	URL        string
	Outcome    Outcome
	Content    string
	Reason     string
	StatusCode int
	Duration   time.Duration
}

// Success builds a successful Result carrying the content prefix.
func Success(url string, status int, content string) Result {
	return Result{URL: url, Outcome: OutcomeSuccess, StatusCode: status, Content: content}
}

// Failure builds a failed Result with the given reason. status is zero for
// transport-level errors.
func Failure(url string, status int, reason string) Result {
	return Result{URL: url, Outcome: OutcomeFailure, StatusCode: status, Reason: reason}
}

// OK reports whether the Result is the success variant.
func (r Result) OK() bool {
	return r.Outcome == OutcomeSuccess
}

// SuccessRecord is the JSON payload written to the data queue.
type SuccessRecord struct {
	URL     string `json:"url"`
	Content string `json:"content"`
}

// FailureRecord is the JSON payload written to the dead-letter queue.
type FailureRecord struct {
	URL   string `json:"url"`
	Error string `json:"error"`
}

// Record converts the Result into its wire payload.
func (r Result) Record() any {
	if r.OK() {
		return SuccessRecord{URL: r.URL, Content: r.Content}
	}
	return FailureRecord{URL: r.URL, Error: r.Reason}
}

// Delivery is a raw message handed over by a Consumer.
type Delivery struct {
	ID   string
	Body []byte
	Ack  Acknowledger
}
