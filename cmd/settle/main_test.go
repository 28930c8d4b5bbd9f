package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cheersplit/internal/services"
	"cheersplit/internal/settle"
)

const dinner = `{"participants":[
	{"name":"A","paymentDetails":"a@example.com","items":[{"itemName":"dinner","price":30}]},
	{"name":"B","paymentDetails":"","items":[]},
	{"name":"C","paymentDetails":"","items":[]}]}`

func runCLI(t *testing.T, stdin string, args ...string) (int, string, string) {
	t.Helper()
	t.Setenv("CHEERSPLIT_CONFIG", "")
	t.Setenv("SETTLEMENT_MODE", "float")
	t.Setenv("CURRENCY", "AUD")
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, strings.NewReader(stdin), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunText(t *testing.T) {
	code, out, errOut := runCLI(t, dinner)
	if code != exitOK {
		t.Fatalf("exit = %d, stderr = %s", code, errOut)
	}
	for _, want := range []string{
		"B owes A $10.00  [PayID a@example.com]\n",
		"C owes A $10.00  [PayID a@example.com]\n",
		"Total AUD 30.00, AUD 10.00 each\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRunFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dinner.json")
	if err := os.WriteFile(path, []byte(dinner), 0o600); err != nil {
		t.Fatal(err)
	}
	code, out, errOut := runCLI(t, "", "-f", path)
	if code != exitOK {
		t.Fatalf("exit = %d, stderr = %s", code, errOut)
	}
	if !strings.Contains(out, "B owes A $10.00") {
		t.Errorf("output = %s", out)
	}
}

func TestRunJSONExact(t *testing.T) {
	input := `{"participants":[
		{"name":"A","items":[{"itemName":"x","price":100}]},
		{"name":"B","items":[]},
		{"name":"C","items":[]}]}`
	code, out, errOut := runCLI(t, input, "-json", "-mode", "exact")
	if code != exitOK {
		t.Fatalf("exit = %d, stderr = %s", code, errOut)
	}

	var got services.Settlement
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode output: %v\n%s", err, out)
	}
	if got.Mode != settle.ModeExact {
		t.Errorf("mode = %q, want exact", got.Mode)
	}
	if len(got.Transactions) != 2 {
		t.Fatalf("transactions = %+v", got.Transactions)
	}
	for _, tx := range got.Transactions {
		if tx.Amount != 33.33 {
			t.Errorf("amount = %v, want 33.33", tx.Amount)
		}
	}
}

func TestRunModeFromInput(t *testing.T) {
	input := `{"mode":"exact","participants":[{"name":"A","items":[{"itemName":"x","price":10}]},{"name":"B","items":[]}]}`
	code, out, errOut := runCLI(t, input, "-json")
	if code != exitOK {
		t.Fatalf("exit = %d, stderr = %s", code, errOut)
	}
	if !strings.Contains(out, `"mode": "exact"`) {
		t.Errorf("output = %s", out)
	}
}

func TestRunSettled(t *testing.T) {
	input := `{"participants":[{"name":"A","items":[{"itemName":"x","price":10}]},{"name":"B","items":[{"itemName":"y","price":10}]}]}`
	code, out, _ := runCLI(t, input)
	if code != exitOK {
		t.Fatalf("exit = %d", code)
	}
	if !strings.HasPrefix(out, "Everyone already paid their share.\n") {
		t.Errorf("output = %s", out)
	}
}

func TestRunErrors(t *testing.T) {
	tests := []struct {
		name     string
		stdin    string
		args     []string
		wantCode int
		wantErr  string
	}{
		{
			name:     "single participant",
			stdin:    `{"participants":[{"name":"A","items":[{"itemName":"x","price":10}]}]}`,
			wantCode: exitInvalid,
			wantErr:  "Should be more than 1 participants",
		},
		{
			name:     "duplicate names",
			stdin:    `{"participants":[{"name":"A","items":[{"itemName":"x","price":10}]},{"name":"A","items":[]}]}`,
			wantCode: exitInvalid,
			wantErr:  "must be unique",
		},
		{
			name:     "bad mode flag",
			stdin:    dinner,
			args:     []string{"-mode", "banker"},
			wantCode: exitInvalid,
			wantErr:  "unknown settlement mode",
		},
		{
			name:     "unknown flag",
			stdin:    dinner,
			args:     []string{"-nope"},
			wantCode: exitInvalid,
		},
		{
			name:     "malformed json",
			stdin:    `{"participants":`,
			wantCode: exitFailure,
			wantErr:  "decode request",
		},
		{
			name:     "missing file",
			args:     []string{"-f", filepath.Join(os.TempDir(), "does-not-exist-cheersplit.json")},
			wantCode: exitFailure,
			wantErr:  "open request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, errOut := runCLI(t, tt.stdin, tt.args...)
			if code != tt.wantCode {
				t.Fatalf("exit = %d, want %d, stderr = %s", code, tt.wantCode, errOut)
			}
			if tt.wantErr != "" && !strings.Contains(errOut, tt.wantErr) {
				t.Errorf("stderr = %q, want it to contain %q", errOut, tt.wantErr)
			}
		})
	}
}
