// Package main implements a mock agent binary that speaks the stream-json
// protocol over stdin/stdout. It generates canned responses for testing the
// stream-json adapter and session plumbing without a real provider.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"
)

func main() {
	model := flag.String("model", "mock-1", "model name reported in the init event")
	delay := flag.Duration("delay", 0, "artificial delay between emitted lines")
	flag.Parse()

	agent := newAgent(os.Stdout, *model, *delay)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg inbound
		if err := json.Unmarshal(line, &msg); err != nil {
			fmt.Fprintf(os.Stderr, "mock-agent: malformed input: %v\n", err)
			continue
		}
		agent.handle(&msg)
	}
}

// inbound is the subset of stream-json input messages the mock reacts to.
type inbound struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Request   struct {
		Subtype string `json:"subtype"`
		Mode    string `json:"mode"`
	} `json:"request"`
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

func (m *inbound) text() string {
	for _, block := range m.Message.Content {
		if block.Type == "text" {
			return block.Text
		}
	}
	return ""
}

type agent struct {
	enc       *json.Encoder
	model     string
	delay     time.Duration
	sessionID string
	announced bool
}

func newAgent(out *os.File, model string, delay time.Duration) *agent {
	return &agent{
		enc:   json.NewEncoder(out),
		model: model,
		delay: delay,
		// Each session spawns its own process, so the PID is unique
		// across parallel sessions.
		sessionID: fmt.Sprintf("mock-session-%d", os.Getpid()),
	}
}

func (a *agent) handle(msg *inbound) {
	switch msg.Type {
	case "user":
		if !a.announced {
			a.announced = true
			a.emit(initEvent(a.sessionID, a.model))
		}
		for _, out := range respond(a.sessionID, msg.text()) {
			a.emit(out)
		}
	case "control_request":
		a.emit(controlResponse(msg.RequestID))
		if msg.Request.Subtype == "interrupt" {
			a.emit(resultEvent(a.sessionID, "interrupted", false, ""))
		}
	}
}

func (a *agent) emit(line map[string]any) {
	if a.delay > 0 {
		time.Sleep(a.delay)
	}
	if err := a.enc.Encode(line); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: write failed: %v\n", err)
		os.Exit(1)
	}
}
