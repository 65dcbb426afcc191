package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/basket/herald/internal/doctor"
)

func TestWriteDiagnosis(t *testing.T) {
	diag := doctor.Diagnosis{
		Timestamp: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Results: []doctor.CheckResult{
			{Name: "Config", Status: doctor.StatusPass, Message: "Loaded"},
			{Name: "Session", Status: doctor.StatusSkip, Message: "not configured", Detail: "set session.host"},
		},
	}

	var buf bytes.Buffer
	if code := writeDiagnosis(&buf, diag, false); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	out := buf.String()
	if !strings.Contains(out, "[PASS] Config") || !strings.Contains(out, "    set session.host") {
		t.Fatalf("unexpected report:\n%s", out)
	}

	diag.Results = append(diag.Results, doctor.CheckResult{Name: "Credential", Status: doctor.StatusFail, Message: "missing"})
	buf.Reset()
	if code := writeDiagnosis(&buf, diag, true); code != 1 {
		t.Fatalf("exit code = %d, want 1 with a failure", code)
	}
	var decoded doctor.Diagnosis
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded.Results) != 3 {
		t.Fatalf("results = %d, want 3", len(decoded.Results))
	}
}
