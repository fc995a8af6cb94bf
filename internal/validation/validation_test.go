package validation

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateRepo(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr error
	}{
		{name: "valid", in: "octocat/reat", want: "octocat/reat"},
		{name: "trims whitespace", in: "  octocat/reat  ", want: "octocat/reat"},
		{name: "dots and hyphens", in: "my-org/some.repo-name", want: "my-org/some.repo-name"},
		{name: "empty", in: "   ", wantErr: ErrRepoEmpty},
		{name: "missing slash", in: "octocat", wantErr: ErrRepoInvalid},
		{name: "empty owner", in: "/reat", wantErr: ErrRepoInvalid},
		{name: "empty name", in: "octocat/", wantErr: ErrRepoInvalid},
		{name: "extra slash", in: "octocat/reat/extra", wantErr: ErrRepoInvalid},
		{name: "disallowed chars", in: "octo cat/reat", wantErr: ErrRepoInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateRepo(tt.in)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ValidateRepo(%q) error = %v, want %v", tt.in, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidateRepo(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ValidateRepo(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestValidateRef(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr error
	}{
		{name: "branch ref", in: "refs/heads/main"},
		{name: "nested branch ref", in: "refs/heads/feature/login"},
		{name: "tag ref", in: "refs/tags/v1.2.3"},
		{name: "empty", in: "", wantErr: ErrRefEmpty},
		{name: "bare branch", in: "main", wantErr: ErrRefInvalid},
		{name: "empty branch segment", in: "refs/heads/", wantErr: ErrRefInvalid},
		{name: "unknown namespace", in: "refs/notes/commits", wantErr: ErrRefInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateRef(tt.in)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ValidateRef(%q) error = %v, want %v", tt.in, err, tt.wantErr)
			}
		})
	}
}

func TestBranchFromRef(t *testing.T) {
	if got := BranchFromRef("refs/heads/dev"); got != "dev" {
		t.Errorf("BranchFromRef(refs/heads/dev) = %q, want dev", got)
	}
	if got := BranchFromRef("refs/tags/latest"); got != "" {
		t.Errorf("BranchFromRef(refs/tags/latest) = %q, want empty", got)
	}
}

func TestValidateSHA(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{name: "short sha", in: "abc1234"},
		{name: "full sha", in: "d6cd1e2bd19e03a81132a23b2025920577f84e37"},
		{name: "uppercase", in: "ABC1234"},
		{name: "too short", in: "abc123", wantErr: true},
		{name: "too long", in: strings.Repeat("a", 65), wantErr: true},
		{name: "non-hex", in: "abc123z", wantErr: true},
		{name: "empty", in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidateSHA(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateSHA(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrSHAInvalid) {
				t.Errorf("ValidateSHA(%q) error = %v, want ErrSHAInvalid", tt.in, err)
			}
		})
	}
}
