package nettest2

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"
)

func TestWriterEventHandler(t *testing.T) {
	var buffer bytes.Buffer
	handler := NewWriterEventHandler(&buffer)
	handler.OnEvent(Event{Key: "status.queued", Value: eventEmpty{}})
	handler.OnEvent(Event{Key: "log", Value: EventLog{
		LogLevel: "INFO",
		Message:  "hello",
	}})
	lines := strings.Split(strings.TrimSpace(buffer.String()), "\n")
	if len(lines) != 2 {
		t.Fatal("expected two lines")
	}
	var first struct {
		Key   string                 `json:"key"`
		Value map[string]interface{} `json:"value"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatal(err)
	}
	if first.Key != "status.queued" {
		t.Fatal("unexpected first key")
	}
	var second struct {
		Key   string   `json:"key"`
		Value EventLog `json:"value"`
	}
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatal(err)
	}
	if second.Key != "log" {
		t.Fatal("unexpected second key")
	}
	if second.Value.LogLevel != "INFO" || second.Value.Message != "hello" {
		t.Fatal("unexpected log event value")
	}
}

// syncWriter is a writer that detects interleaved writes.
type syncWriter struct {
	mu    sync.Mutex
	lines int
}

func (sw *syncWriter) Write(p []byte) (int, error) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if !bytes.HasSuffix(p, []byte("\n")) {
		panic("partial write")
	}
	sw.lines++
	return len(p), nil
}

func TestWriterEventHandlerConcurrent(t *testing.T) {
	sw := &syncWriter{}
	handler := NewWriterEventHandler(sw)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 64; j++ {
				handler.OnEvent(Event{Key: "log", Value: EventLog{
					LogLevel: "DEBUG",
					Message:  "message",
				}})
			}
		}()
	}
	wg.Wait()
	if sw.lines != 16*64 {
		t.Fatal("unexpected number of lines")
	}
}

func TestEventHandlerFunc(t *testing.T) {
	var got Event
	handler := EventHandlerFunc(func(ev Event) {
		got = ev
	})
	handler.OnEvent(Event{Key: "status.started", Value: eventEmpty{}})
	if got.Key != "status.started" {
		t.Fatal("the function was not called")
	}
}
