package sandbox

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestAssembleScriptIncludesPreludeAndCode(t *testing.T) {
	req := RunRequest{
		Code:  "function main(input) { return input.x + 1; }",
		Input: json.RawMessage(`{"x":41}`),
		Replay: []ReplayEntry{
			{ServiceName: "search", MethodPath: "query", Args: json.RawMessage(`{}`), Result: json.RawMessage(`{}`)},
		},
	}

	script, inputJSON, replayJSON, err := AssembleScript(req)
	if err != nil {
		t.Fatalf("AssembleScript: %v", err)
	}
	if !strings.Contains(script, "callHostTool") {
		t.Fatalf("script missing prelude's callHostTool definition")
	}
	if !strings.Contains(script, "main(__input)") {
		t.Fatalf("script missing postlude's main(__input) invocation")
	}
	if !strings.Contains(script, req.Code) {
		t.Fatalf("script missing task code")
	}
	if string(inputJSON) != `{"x":41}` {
		t.Fatalf("unexpected input JSON: %s", inputJSON)
	}
	var replay []replayEntryWire
	if err := json.Unmarshal(replayJSON, &replay); err != nil {
		t.Fatalf("replay JSON did not unmarshal: %v", err)
	}
	if len(replay) != 1 || replay[0].ServiceName != "search" {
		t.Fatalf("unexpected replay wire: %+v", replay)
	}
}

func TestAssembleScriptDefaultsMissingInput(t *testing.T) {
	_, inputJSON, _, err := AssembleScript(RunRequest{Code: "function main(input){return null;}"})
	if err != nil {
		t.Fatalf("AssembleScript: %v", err)
	}
	if string(inputJSON) != "null" {
		t.Fatalf("expected null input default, got %s", inputJSON)
	}
}

func TestParseLastMessageResult(t *testing.T) {
	raw := []byte(`{"type":"result","data":42}` + "\n")
	res, err := ParseLastMessage(raw)
	if err != nil {
		t.Fatalf("ParseLastMessage: %v", err)
	}
	if !res.Completed || string(res.Value) != "42" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestParseLastMessageSuspend(t *testing.T) {
	raw := []byte(`{"type":"suspend","serviceName":"search","methodPath":"query","args":{"q":"go"}}` + "\n")
	res, err := ParseLastMessage(raw)
	if err != nil {
		t.Fatalf("ParseLastMessage: %v", err)
	}
	if !res.Suspended || res.ServiceName != "search" || res.MethodPath != "query" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestParseLastMessageError(t *testing.T) {
	raw := []byte(`{"type":"error","message":"boom"}` + "\n")
	res, err := ParseLastMessage(raw)
	if err != nil {
		t.Fatalf("ParseLastMessage: %v", err)
	}
	if !res.Failed || res.Err == nil || res.Err.Error() != "boom" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestParseLastMessageIgnoresGarbageAndKeepsLastValid(t *testing.T) {
	raw := []byte("not json\n" + `{"type":"result","data":1}` + "\n" + `{"type":"result","data":2}` + "\n")
	res, err := ParseLastMessage(raw)
	if err != nil {
		t.Fatalf("ParseLastMessage: %v", err)
	}
	if string(res.Value) != "2" {
		t.Fatalf("expected last message to win, got %s", res.Value)
	}
}

func TestParseLastMessageNoOutput(t *testing.T) {
	if _, err := ParseLastMessage(nil); err == nil {
		t.Fatal("expected error for empty output")
	}
}
