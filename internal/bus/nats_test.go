package bus

import (
	"errors"
	"testing"
)

func TestSubjectValidation(t *testing.T) {
	c := &Client{}

	if err := c.PublishJSON("", struct{}{}); !errors.Is(err, ErrBadSubject) {
		t.Fatalf("expected ErrBadSubject for empty subject, got %v", err)
	}
	if err := c.PublishJSON("media progress.c1", struct{}{}); !errors.Is(err, ErrBadSubject) {
		t.Fatalf("expected ErrBadSubject for subject with space, got %v", err)
	}
	if _, err := c.SubscribeJSON("media\tprogress", func([]byte) {}); !errors.Is(err, ErrBadSubject) {
		t.Fatalf("expected ErrBadSubject for subject with tab, got %v", err)
	}
}
