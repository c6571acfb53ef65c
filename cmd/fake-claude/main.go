// ABOUTME: Minimal fake coding agent for E2E testing — speaks newline-delimited JSON on stdio.
// ABOUTME: Echoes inputs, asks for a tool permission on demand, reports usage on "done".

package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"
)

type inbound struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Allow     bool            `json:"allow,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	Text      string          `json:"text,omitempty"`
}

func main() {
	delay := flag.Duration("delay", 50*time.Millisecond, "delay before each reply")
	flag.Parse()

	out := json.NewEncoder(os.Stdout)
	emit := func(v any) {
		if err := out.Encode(v); err != nil {
			log.Fatalf("write error: %v", err)
		}
	}

	emit(map[string]any{
		"type":    "system",
		"subtype": "init",
		"model":   "fake-claude",
		"cwd":     mustGetwd(),
	})

	requestCounter := 0
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		var in inbound
		if err := json.Unmarshal(line, &in); err != nil {
			emit(map[string]any{"type": "error", "message": "unparseable input"})
			continue
		}

		time.Sleep(*delay)

		switch in.Type {
		case "permission_response":
			verdict := "denied"
			if in.Allow {
				verdict = "granted"
			}
			emit(map[string]any{
				"type":       "assistant",
				"text":       fmt.Sprintf("permission %s for %s", verdict, in.RequestID),
				"request_id": in.RequestID,
			})

		default:
			text := in.Text
			if text == "" {
				text = string(in.Content)
			}

			switch {
			case strings.Contains(text, "use tool"):
				requestCounter++
				emit(map[string]any{
					"type":       "permission_request",
					"request_id": fmt.Sprintf("perm-%d", requestCounter),
					"tool_name":  "Bash",
					"input":      map[string]string{"command": "echo hello"},
				})

			case strings.Contains(text, "done"):
				emit(map[string]any{
					"type":           "result",
					"subtype":        "success",
					"total_cost_usd": 0.0042,
					"usage": map[string]int{
						"input_tokens":  120,
						"output_tokens": 80,
					},
				})
				return

			default:
				emit(map[string]any{"type": "assistant", "text": "echo: " + text})
			}
		}
	}
	if err := scanner.Err(); err != nil {
		log.Fatalf("read error: %v", err)
	}
}

func mustGetwd() string {
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}
	return wd
}
