// Copyright 2026 The vmcore Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"
)

type testWriter struct {
	lines []string
	fail  bool
	limit int
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	if w.limit > 0 && len(w.lines) >= w.limit {
		return len(bytes), nil
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if got := w.Dropped(); got != 2 {
		t.Errorf("Dropped() = %d, want 2", got)
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	expected := []string{
		"line 1\n",
		"\n*** Dropped 2 log messages ***\n",
		"line 2\n",
	}
	if len(tw.lines) != len(expected) {
		t.Fatalf("Writer should have logged %d lines, got: %v, expected: %v", len(expected), tw.lines, expected)
	}
	for i, l := range tw.lines {
		if l != expected[i] {
			t.Fatalf("line %d doesn't match, got: %v, expected: %v", i, l, expected[i])
		}
	}
}

type recordingEmitter struct {
	levels []Level
	msgs   []string
}

func (r *recordingEmitter) Emit(_ int, level Level, _ time.Time, format string, v ...any) {
	r.levels = append(r.levels, level)
	r.msgs = append(r.msgs, fmt.Sprintf(format, v...))
}

func TestLevelFiltering(t *testing.T) {
	for _, tc := range []struct {
		level Level
		want  int
	}{
		{Warning, 1},
		{Info, 2},
		{Debug, 3},
	} {
		t.Run(tc.level.String(), func(t *testing.T) {
			r := &recordingEmitter{}
			l := &BasicLogger{Level: tc.level, Emitter: r}
			l.Warningf("w")
			l.Infof("i")
			l.Debugf("d")
			if len(r.msgs) != tc.want {
				t.Errorf("got %d messages %v, want %d", len(r.msgs), r.msgs, tc.want)
			}
		})
	}
}

func TestMultiEmitter(t *testing.T) {
	a, b := &recordingEmitter{}, &recordingEmitter{}
	m := MultiEmitter{a, b}
	m.Emit(0, Info, time.Now(), "hello %d", 1)
	for _, r := range []*recordingEmitter{a, b} {
		if len(r.msgs) != 1 || r.msgs[0] != "hello 1" {
			t.Errorf("emitter got %v, want [hello 1]", r.msgs)
		}
	}
}

func TestTextEmitter(t *testing.T) {
	var buf bytes.Buffer
	e, err := NewEmitter("text", &buf)
	if err != nil {
		t.Fatalf("NewEmitter: %v", err)
	}
	l := &BasicLogger{Level: Debug, Emitter: e}
	l.Infof("mapped %d pages", 4)
	out := buf.String()
	if !strings.Contains(out, "mapped 4 pages") {
		t.Errorf("output %q missing message", out)
	}
	if !strings.Contains(out, "level=info") {
		t.Errorf("output %q missing level", out)
	}
	if !strings.Contains(out, "log_test.go") {
		t.Errorf("output %q missing caller", out)
	}
}

func TestJSONEmitter(t *testing.T) {
	var buf bytes.Buffer
	e, err := NewEmitter("json", &buf)
	if err != nil {
		t.Fatalf("NewEmitter: %v", err)
	}
	e.Emit(0, Warning, time.Now(), "fault at %#x", 0x1000)
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output %q is not JSON: %v", buf.String(), err)
	}
	if rec["msg"] != "fault at 0x1000" {
		t.Errorf("msg = %v, want %q", rec["msg"], "fault at 0x1000")
	}
	if rec["level"] != "warning" {
		t.Errorf("level = %v, want warning", rec["level"])
	}
}

func TestInvalidFormat(t *testing.T) {
	if _, err := NewEmitter("xml", &bytes.Buffer{}); err == nil {
		t.Errorf("NewEmitter(xml) succeeded, want error")
	}
}

func TestRateLimited(t *testing.T) {
	r := &recordingEmitter{}
	rl := RateLimitedLogger(&BasicLogger{Level: Debug, Emitter: r}, time.Hour)
	for i := 0; i < 5; i++ {
		rl.Warningf("spam %d", i)
	}
	if len(r.msgs) != 1 || r.msgs[0] != "spam 0" {
		t.Errorf("got %v, want only the first message", r.msgs)
	}
}

func TestOpenFile(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	f, err := OpenFile(dir+"/sub/%COMMAND%-%TIMESTAMP%.log", "run", start)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer f.Close()
	if want := dir + "/sub/run-20260102-030405.000000.log"; f.Name() != want {
		t.Errorf("file name = %q, want %q", f.Name(), want)
	}

	f, err = OpenFile("", "run", start)
	if err != nil || f != nil {
		t.Errorf("OpenFile(\"\") = (%v, %v), want (nil, nil)", f, err)
	}
}
