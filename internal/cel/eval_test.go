package cel

import (
	"errors"
	"testing"
)

var testRanks = map[string]int{
	"critical": 5,
	"high":     4,
	"warning":  3,
	"info":     2,
	"low":      1,
}

func testRecord() map[string]interface{} {
	return map[string]interface{}{
		"name":     "High CPU usage",
		"severity": "critical",
		"status":   "firing",
		"count":    3,
		"labels": map[string]interface{}{
			"env":  "prod",
			"team": "platform",
		},
		"services": []string{"api", "worker"},
	}
}

func TestEnv_Matches(t *testing.T) {
	env := NewEnv(WithSeverityRanks(testRanks))

	tests := []struct {
		name      string
		predicate string
		want      bool
	}{
		{"string equality", `status == "firing"`, true},
		{"string inequality", `status != "resolved"`, true},
		{"and", `status == "firing" && severity == "critical"`, true},
		{"and short circuit", `status == "resolved" && severity == "critical"`, false},
		{"or", `status == "resolved" || severity == "critical"`, true},
		{"negation", `!(status == "resolved")`, true},
		{"number comparison", `count > 2`, true},
		{"number equality", `count == 3`, true},
		{"in list", `status in ["firing", "acknowledged"]`, true},
		{"not in list", `status in ["resolved", "suppressed"]`, false},
		{"nested label", `labels.env == "prod"`, true},
		{"nested label mismatch", `labels.env == "staging"`, false},
		{"string contains", `name.contains("CPU")`, true},
		{"string contains miss", `name.contains("memory")`, false},
		{"list contains", `services.contains("api")`, true},
		{"parenthesized", `(status == "firing" || status == "resolved") && count > 1`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := env.Matches(tt.predicate, testRecord())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Matches(%q) = %v, want %v", tt.predicate, got, tt.want)
			}
		})
	}
}

func TestEnv_SeverityOrdering(t *testing.T) {
	env := NewEnv(WithSeverityRanks(testRanks))

	tests := []struct {
		name      string
		predicate string
		record    map[string]interface{}
		want      bool
	}{
		{"critical beats warning", `severity > "warning"`, map[string]interface{}{"severity": "critical"}, true},
		{"info below warning", `severity >= "warning"`, map[string]interface{}{"severity": "info"}, false},
		{"equal rank", `severity >= "high"`, map[string]interface{}{"severity": "high"}, true},
		{"lexicographic trap", `severity > "info"`, map[string]interface{}{"severity": "high"}, true},
		{"case insensitive", `severity > "WARNING"`, map[string]interface{}{"severity": "Critical"}, true},
		{"reversed operands", `"warning" < severity`, map[string]interface{}{"severity": "critical"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := env.Matches(tt.predicate, tt.record)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Matches(%q) on %v = %v, want %v", tt.predicate, tt.record, got, tt.want)
			}
		})
	}
}

func TestEnv_EvaluationErrors(t *testing.T) {
	env := NewEnv(WithSeverityRanks(testRanks))

	tests := []struct {
		name      string
		predicate string
	}{
		{"unknown identifier ordering", `missing > 5`},
		{"non-map traversal", `name.sub == "x"`},
		{"mixed type ordering", `count > "three"`},
		{"in requires list", `status in "firing"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.Matches(tt.predicate, testRecord())
			if err == nil {
				t.Fatalf("expected error for %q", tt.predicate)
			}
			var evalErr *EvaluationError
			if !errors.As(err, &evalErr) {
				t.Errorf("expected EvaluationError, got %T: %v", err, err)
			}
		})
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"empty", ``},
		{"single equals", `status = "firing"`},
		{"unterminated string", `status == "firing`},
		{"trailing operator", `status == "firing" &&`},
		{"unbalanced paren", `(status == "firing"`},
		{"unknown method", `name.startsWith("x")`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.src)
			if err == nil {
				t.Fatalf("expected parse error for %q", tt.src)
			}
			var parseErr *ParseError
			if !errors.As(err, &parseErr) {
				t.Errorf("expected ParseError, got %T: %v", err, err)
			}
		})
	}
}

func TestParse_ReusableExpr(t *testing.T) {
	env := NewEnv(WithSeverityRanks(testRanks))
	expr, err := Parse(`severity == "critical"`)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}

	for i := 0; i < 3; i++ {
		got, err := env.Evaluate(expr, testRecord())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !got {
			t.Errorf("iteration %d: expected match", i)
		}
	}
}
