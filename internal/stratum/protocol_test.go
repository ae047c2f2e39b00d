package stratum

import (
	"reflect"
	"testing"
)

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		want    *Message
		wantErr bool
	}{
		{
			name: "subscribe reply",
			data: []byte(`{"id":1,"result":[[["mining.notify","ae6812eb"]],"f8002c90",8],"error":null}`),
			want: &Message{
				ID:     float64(1), // JSON numbers are parsed as float64
				Result: []interface{}{[]interface{}{[]interface{}{"mining.notify", "ae6812eb"}}, "f8002c90", float64(8)},
			},
			wantErr: false,
		},
		{
			name: "notify notification",
			data: []byte(`{"id":null,"method":"mining.notify","params":["job1","prev","cb1","cb2",[],"20000000","1800c29f","5a54a978",true]}`),
			want: &Message{
				ID:     nil,
				Method: "mining.notify",
				Params: []interface{}{"job1", "prev", "cb1", "cb2", []interface{}{}, "20000000", "1800c29f", "5a54a978", true},
			},
			wantErr: false,
		},
		{
			name:    "invalid json",
			data:    []byte(`{invalid json}`),
			want:    nil,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseMessage(tt.data)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseMessage() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseMessage() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMessageRoundTrip(t *testing.T) {
	msg := NewRequest(uint64(7), MethodSubscribe, []any{"poolwatch/1.0"})

	data, err := MarshalMessage(msg)
	if err != nil {
		t.Fatalf("MarshalMessage() error = %v", err)
	}

	parsed, err := ParseMessage(data)
	if err != nil {
		t.Fatalf("failed to parse marshaled message: %v", err)
	}

	if parsed.Method != msg.Method {
		t.Errorf("Method = %v, want %v", parsed.Method, msg.Method)
	}
	if id, ok := parsed.ResponseID(); !ok || id != 7 {
		t.Errorf("ResponseID() = %v, %v, want 7, true", id, ok)
	}
}

func TestParseSubscribeResult(t *testing.T) {
	tests := []struct {
		name    string
		result  any
		want    *SubscribeResult
		wantErr bool
	}{
		{
			name:   "valid",
			result: []any{[]any{}, "f8002c90", float64(8)},
			want:   &SubscribeResult{ExtraNonce1: "f8002c90", ExtraNonce2Size: 8},
		},
		{
			name:    "not an array",
			result:  "f8002c90",
			wantErr: true,
		},
		{
			name:    "missing third element",
			result:  []any{[]any{}, "f8002c90"},
			wantErr: true,
		},
		{
			name:    "extranonce1 not a string",
			result:  []any{[]any{}, float64(12), float64(8)},
			wantErr: true,
		},
		{
			name:    "size not a number",
			result:  []any{[]any{}, "f8002c90", "8"},
			wantErr: true,
		},
		{
			name:    "size zero",
			result:  []any{[]any{}, "f8002c90", float64(0)},
			wantErr: true,
		},
		{
			name:    "size fractional",
			result:  []any{[]any{}, "f8002c90", float64(4.5)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSubscribeResult(tt.result)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseSubscribeResult() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseSubscribeResult() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseNotifyParams(t *testing.T) {
	valid := []any{
		"ab12",
		"00000000000000000002f9d7c9c56ab1c1a5ab49f2936fc3ef07b4a0d2f8b3d1",
		"01000000",
		"ffffffff",
		[]any{"aa", "bb"},
		"20000000",
		"1800c29f",
		"5a54a978",
		true,
	}

	t.Run("valid", func(t *testing.T) {
		got, err := ParseNotifyParams(valid)
		if err != nil {
			t.Fatalf("ParseNotifyParams() error = %v", err)
		}
		if got.JobID != "ab12" {
			t.Errorf("JobID = %q", got.JobID)
		}
		if !reflect.DeepEqual(got.MerkleBranch, []string{"aa", "bb"}) {
			t.Errorf("MerkleBranch = %v", got.MerkleBranch)
		}
		if !got.CleanJobs {
			t.Error("CleanJobs = false, want true")
		}
	})

	t.Run("fewer fields rejected", func(t *testing.T) {
		if _, err := ParseNotifyParams(valid[:8]); err == nil {
			t.Error("expected error for 8-field params")
		}
	})

	t.Run("non-string branch rejected", func(t *testing.T) {
		bad := make([]any, len(valid))
		copy(bad, valid)
		bad[4] = []any{"aa", float64(3)}
		if _, err := ParseNotifyParams(bad); err == nil {
			t.Error("expected error for non-string branch")
		}
	})

	t.Run("non-bool clean_jobs rejected", func(t *testing.T) {
		bad := make([]any, len(valid))
		copy(bad, valid)
		bad[8] = "true"
		if _, err := ParseNotifyParams(bad); err == nil {
			t.Error("expected error for string clean_jobs")
		}
	})
}

func TestParseSetDifficulty(t *testing.T) {
	if d, err := ParseSetDifficulty([]any{float64(512)}); err != nil || d != 512 {
		t.Errorf("ParseSetDifficulty() = %v, %v", d, err)
	}
	if _, err := ParseSetDifficulty([]any{}); err == nil {
		t.Error("expected error for empty params")
	}
	if _, err := ParseSetDifficulty([]any{"512"}); err == nil {
		t.Error("expected error for string difficulty")
	}
}
