// Package stratum implements a Stratum V1 client for pool telemetry.
// It provides message parsing, line framing, and the session state machine
// that keeps one connection to a remote pool alive.
package stratum

import (
	"encoding/json"
	"fmt"
)

// Stratum method names consumed or produced by the client
const (
	MethodSubscribe     = "mining.subscribe"
	MethodAuthorize     = "mining.authorize"
	MethodNotify        = "mining.notify"
	MethodSetDifficulty = "mining.set_difficulty"
)

// Message represents a Stratum JSON-RPC message
type Message struct {
	ID     any    `json:"id"`
	Method string `json:"method,omitempty"`
	Params []any  `json:"params,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  *Error `json:"error,omitempty"`
}

// Error represents a Stratum error response
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// SubscribeResult holds the pool's answer to mining.subscribe.
// ExtraNonce1 is the pool-assigned coinbase prefix; ExtraNonce2Size is the
// byte count of the suffix the client controls.
type SubscribeResult struct {
	ExtraNonce1     string
	ExtraNonce2Size int
}

// NotifyParams represents mining.notify parameters
type NotifyParams struct {
	JobID        string   `json:"job_id"`
	PrevHash     string   `json:"prevhash"`
	Coinb1       string   `json:"coinb1"`
	Coinb2       string   `json:"coinb2"`
	MerkleBranch []string `json:"merkle_branch"`
	Version      string   `json:"version"`
	NBits        string   `json:"nbits"`
	NTime        string   `json:"ntime"`
	CleanJobs    bool     `json:"clean_jobs"`
}

// ParseMessage parses a JSON-RPC message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return &msg, nil
}

// MarshalMessage marshals a message to JSON bytes
func MarshalMessage(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// NewRequest creates a new request message
func NewRequest(id any, method string, params []any) *Message {
	return &Message{
		ID:     id,
		Method: method,
		Params: params,
	}
}

// IsResponse returns true if the message is a response
func (m *Message) IsResponse() bool {
	return m.Method == "" && m.ID != nil
}

// IsNotification returns true if the message is a notification
func (m *Message) IsNotification() bool {
	return m.Method != "" && m.ID == nil
}

// ResponseID returns the numeric ID of a response message, if present.
// JSON numbers decode as float64.
func (m *Message) ResponseID() (uint64, bool) {
	switch id := m.ID.(type) {
	case float64:
		return uint64(id), true
	case uint64:
		return id, true
	case int:
		return uint64(id), true
	default:
		return 0, false
	}
}

// ParseSubscribeResult validates the mining.subscribe reply payload.
// The expected shape is a 3-element array: [subscriptions, extranonce1,
// extranonce2_size]. Anything else is a handshake-fatal shape error.
func ParseSubscribeResult(result any) (*SubscribeResult, error) {
	arr, ok := result.([]any)
	if !ok {
		return nil, fmt.Errorf("subscribe result must be an array, got %T", result)
	}
	if len(arr) != 3 {
		return nil, fmt.Errorf("subscribe result must have 3 elements, got %d", len(arr))
	}

	extraNonce1, ok := arr[1].(string)
	if !ok {
		return nil, fmt.Errorf("extranonce1 must be a hex string, got %T", arr[1])
	}

	sizeFloat, ok := arr[2].(float64)
	if !ok {
		return nil, fmt.Errorf("extranonce2_size must be a number, got %T", arr[2])
	}
	size := int(sizeFloat)
	if float64(size) != sizeFloat || size <= 0 {
		return nil, fmt.Errorf("extranonce2_size must be a positive integer, got %v", sizeFloat)
	}

	return &SubscribeResult{
		ExtraNonce1:     extraNonce1,
		ExtraNonce2Size: size,
	}, nil
}

// ParseAuthorizeResult validates the mining.authorize reply payload.
func ParseAuthorizeResult(result any) (bool, error) {
	authorized, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("authorize result must be a boolean, got %T", result)
	}
	return authorized, nil
}

// ParseNotifyParams validates the positional mining.notify parameter list.
// All nine fields must be present and correctly typed; a shorter or
// ill-typed list is rejected without producing a record.
func ParseNotifyParams(params []any) (*NotifyParams, error) {
	if len(params) < 9 {
		return nil, fmt.Errorf("insufficient parameters: expected 9, got %d", len(params))
	}

	jobID, ok := params[0].(string)
	if !ok {
		return nil, fmt.Errorf("job_id must be string")
	}

	prevHash, ok := params[1].(string)
	if !ok {
		return nil, fmt.Errorf("prevhash must be string")
	}

	coinb1, ok := params[2].(string)
	if !ok {
		return nil, fmt.Errorf("coinb1 must be string")
	}

	coinb2, ok := params[3].(string)
	if !ok {
		return nil, fmt.Errorf("coinb2 must be string")
	}

	branchList, ok := params[4].([]any)
	if !ok {
		return nil, fmt.Errorf("merkle_branch must be an array")
	}
	branches := make([]string, 0, len(branchList))
	for i, b := range branchList {
		branch, ok := b.(string)
		if !ok {
			return nil, fmt.Errorf("merkle_branch[%d] must be string", i)
		}
		branches = append(branches, branch)
	}

	version, ok := params[5].(string)
	if !ok {
		return nil, fmt.Errorf("version must be string")
	}

	nbits, ok := params[6].(string)
	if !ok {
		return nil, fmt.Errorf("nbits must be string")
	}

	ntime, ok := params[7].(string)
	if !ok {
		return nil, fmt.Errorf("ntime must be string")
	}

	cleanJobs, ok := params[8].(bool)
	if !ok {
		return nil, fmt.Errorf("clean_jobs must be boolean")
	}

	return &NotifyParams{
		JobID:        jobID,
		PrevHash:     prevHash,
		Coinb1:       coinb1,
		Coinb2:       coinb2,
		MerkleBranch: branches,
		Version:      version,
		NBits:        nbits,
		NTime:        ntime,
		CleanJobs:    cleanJobs,
	}, nil
}

// ParseSetDifficulty validates mining.set_difficulty parameters
func ParseSetDifficulty(params []any) (float64, error) {
	if len(params) < 1 {
		return 0, fmt.Errorf("insufficient parameters")
	}
	difficulty, ok := params[0].(float64)
	if !ok {
		return 0, fmt.Errorf("difficulty must be a number, got %T", params[0])
	}
	return difficulty, nil
}
