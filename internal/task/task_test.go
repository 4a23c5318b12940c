package task

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestCreateInput_Validate(t *testing.T) {
	cases := []struct {
		name    string
		input   CreateInput
		wantErr bool
	}{
		{"valid", CreateInput{Title: "Buy milk"}, false},
		{"valid with description", CreateInput{Title: "Buy milk", Description: "2 liters"}, false},
		{"empty title", CreateInput{Title: ""}, true},
		{"whitespace title", CreateInput{Title: "   "}, true},
		{"title at limit", CreateInput{Title: strings.Repeat("a", MaxTitleLen)}, false},
		{"title over limit", CreateInput{Title: strings.Repeat("a", MaxTitleLen+1)}, true},
		{"description over limit", CreateInput{Title: "ok", Description: strings.Repeat("d", MaxDescriptionLen+1)}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.input.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
			if err != nil {
				var ve *ValidationError
				if !errors.As(err, &ve) {
					t.Fatalf("error %v is not a *ValidationError", err)
				}
			}
		})
	}
}

func TestFields_Validate(t *testing.T) {
	empty := ""
	long := strings.Repeat("x", MaxTitleLen+1)
	ok := "renamed"

	if err := (Fields{Title: &empty}).Validate(); err == nil {
		t.Fatal("empty title update should be rejected")
	}
	if err := (Fields{Title: &long}).Validate(); err == nil {
		t.Fatal("over-long title update should be rejected")
	}
	if err := (Fields{Title: &ok}).Validate(); err != nil {
		t.Fatalf("valid title update rejected: %v", err)
	}
	if err := (Fields{}).Validate(); err != nil {
		t.Fatalf("empty fields should validate: %v", err)
	}
}

func TestNewProvisional(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tk := NewProvisional(CreateInput{Title: "  Buy milk  ", Description: "2%"}, "owner-1", now)

	if !tk.Provisional() {
		t.Fatalf("id %q should be provisional", tk.ID)
	}
	if tk.Title != "Buy milk" {
		t.Fatalf("title = %q, want trimmed", tk.Title)
	}
	if tk.Completed {
		t.Fatal("new task must not be completed")
	}
	if tk.Synced {
		t.Fatal("new task must not be synced")
	}
	if !tk.CreatedAt.Equal(now) || !tk.UpdatedAt.Equal(now) {
		t.Fatalf("timestamps = %v/%v, want %v", tk.CreatedAt, tk.UpdatedAt, now)
	}
}

func TestApply(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	later := created.Add(time.Hour)

	tk := Task{ID: "1", Title: "old", CreatedAt: created, UpdatedAt: created, Synced: true}
	title := "new"
	done := true
	tk.Apply(Fields{Title: &title, Completed: &done}, later)

	if tk.Title != "new" || !tk.Completed {
		t.Fatalf("apply did not merge fields: %+v", tk)
	}
	if !tk.UpdatedAt.Equal(later) {
		t.Fatalf("UpdatedAt = %v, want %v", tk.UpdatedAt, later)
	}
	if tk.Synced {
		t.Fatal("applied task must be marked unsynced")
	}
	if tk.Description != "" {
		t.Fatalf("untouched field changed: %q", tk.Description)
	}
}

func TestIsProvisionalID(t *testing.T) {
	if !IsProvisionalID("temp-1234") {
		t.Fatal("temp- prefix should be provisional")
	}
	if IsProvisionalID("a3f9c121") {
		t.Fatal("server id should not be provisional")
	}
}
