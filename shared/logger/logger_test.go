// Copyright 2025 MeterFlow
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"bytes"
	"encoding/json"
	"log"
	"os"
	"strings"
	"testing"
	"time"
)

// TestNew tests logger initialization
func TestNew(t *testing.T) {
	tests := []struct {
		name           string
		component      string
		instanceID     string
		expectedComp   string
		expectedInstID string
	}{
		{
			name:           "with instance ID set",
			component:      "meter",
			instanceID:     "instance-123",
			expectedComp:   "meter",
			expectedInstID: "instance-123",
		},
		{
			name:           "without instance ID",
			component:      "meterd",
			instanceID:     "",
			expectedComp:   "meterd",
			expectedInstID: "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.instanceID != "" {
				t.Setenv("INSTANCE_ID", tt.instanceID)
			} else {
				if err := os.Unsetenv("INSTANCE_ID"); err != nil {
					t.Fatalf("Failed to unset INSTANCE_ID: %v", err)
				}
			}

			logger := New(tt.component)

			if logger.Component != tt.expectedComp {
				t.Errorf("Expected component %s, got %s", tt.expectedComp, logger.Component)
			}
			if logger.InstanceID != tt.expectedInstID {
				t.Errorf("Expected instance ID %s, got %s", tt.expectedInstID, logger.InstanceID)
			}
			if logger.Container == "" {
				t.Error("Expected container to be set from hostname")
			}
		})
	}
}

// captureEntry runs fn with log output captured and returns the parsed entry
func captureEntry(t *testing.T, fn func()) LogEntry {
	t.Helper()

	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	fn()

	output := buf.String()
	jsonStart := strings.Index(output, "{")
	if jsonStart == -1 {
		t.Fatalf("No JSON found in log output: %s", output)
	}

	var entry LogEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(output[jsonStart:])), &entry); err != nil {
		t.Fatalf("Failed to parse JSON log: %v\nOutput: %s", err, output)
	}
	return entry
}

// TestLogLevels tests all log level methods
func TestLogLevels(t *testing.T) {
	tests := []struct {
		name    string
		logFunc func(*Logger, string, map[string]interface{})
		level   LogLevel
		message string
		fields  map[string]interface{}
	}{
		{
			name:    "Info log",
			logFunc: (*Logger).Info,
			level:   INFO,
			message: "Test info message",
			fields:  map[string]interface{}{"key": "value"},
		},
		{
			name:    "Error log",
			logFunc: (*Logger).Error,
			level:   ERROR,
			message: "Test error message",
			fields:  map[string]interface{}{"error_code": 500},
		},
		{
			name:    "Warn log",
			logFunc: (*Logger).Warn,
			level:   WARN,
			message: "Test warning message",
			fields:  nil,
		},
		{
			name:    "Debug log",
			logFunc: (*Logger).Debug,
			level:   DEBUG,
			message: "Test debug message",
			fields:  map[string]interface{}{"debug_info": true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New("test-component")

			entry := captureEntry(t, func() {
				tt.logFunc(logger, tt.message, tt.fields)
			})

			if entry.Level != tt.level {
				t.Errorf("Expected level %s, got %s", tt.level, entry.Level)
			}
			if entry.Message != tt.message {
				t.Errorf("Expected message '%s', got '%s'", tt.message, entry.Message)
			}
			if entry.Component != "test-component" {
				t.Errorf("Expected component 'test-component', got '%s'", entry.Component)
			}

			if _, err := time.Parse(time.RFC3339Nano, entry.Timestamp); err != nil {
				t.Errorf("Invalid timestamp format: %s", entry.Timestamp)
			}

			for key := range tt.fields {
				if _, ok := entry.Fields[key]; !ok {
					t.Errorf("Expected field '%s' not found", key)
				}
			}
		})
	}
}

// TestInfoWithDuration tests the duration convenience method
func TestInfoWithDuration(t *testing.T) {
	logger := New("test-component")

	entry := captureEntry(t, func() {
		logger.InfoWithDuration("usage tracked", 123.4, map[string]interface{}{"feature": "merge"})
	})

	if entry.Level != INFO {
		t.Errorf("Expected INFO level, got %s", entry.Level)
	}
	if entry.Fields["duration_ms"] != 123.4 {
		t.Errorf("Expected duration_ms 123.4, got %v", entry.Fields["duration_ms"])
	}
	if entry.Fields["feature"] != "merge" {
		t.Errorf("Expected feature field preserved, got %v", entry.Fields["feature"])
	}
}

// TestErrorWithErr tests the error convenience method
func TestErrorWithErr(t *testing.T) {
	logger := New("test-component")

	entry := captureEntry(t, func() {
		logger.ErrorWithErr("save failed", os.ErrPermission, nil)
	})

	if entry.Level != ERROR {
		t.Errorf("Expected ERROR level, got %s", entry.Level)
	}
	if entry.Fields["error"] != os.ErrPermission.Error() {
		t.Errorf("Expected error field, got %v", entry.Fields["error"])
	}
}

// TestErrorWithErrNilError tests that a nil error adds no error field
func TestErrorWithErrNilError(t *testing.T) {
	logger := New("test-component")

	entry := captureEntry(t, func() {
		logger.ErrorWithErr("something odd", nil, nil)
	})

	if _, ok := entry.Fields["error"]; ok {
		t.Error("Expected no error field for nil error")
	}
}
