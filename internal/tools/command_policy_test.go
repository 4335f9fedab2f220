package tools

import "testing"

func TestClassifyCommandRisk(t *testing.T) {
	t.Parallel()

	cases := []struct {
		command string
		want    CommandRisk
	}{
		{"ls -la", CommandRiskReadonly},
		{"cat main.go | grep func", CommandRiskReadonly},
		{"git status && git diff", CommandRiskReadonly},
		{"git push origin main", CommandRiskMutating},
		{"go test ./...", CommandRiskMutating},
		{"echo hi > out.txt", CommandRiskMutating},
		{"ls 2>/dev/null", CommandRiskReadonly},
		{"", CommandRiskMutating},
		{"rm -rf /", CommandRiskDangerous},
		{"sudo shutdown now", CommandRiskDangerous},
		{"dd if=/dev/zero of=/dev/sda", CommandRiskDangerous},
	}
	for _, tc := range cases {
		if got := ClassifyCommandRisk(tc.command); got != tc.want {
			t.Fatalf("risk(%q)=%q, want=%q", tc.command, got, tc.want)
		}
	}
}
