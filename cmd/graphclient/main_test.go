package main

import (
	"slices"
	"testing"
)

func TestParseValues(t *testing.T) {
	got, err := parseValues("1, 2.5,-3")
	if err != nil {
		t.Fatalf("parseValues: %v", err)
	}
	if !slices.Equal(got, []float32{1, 2.5, -3}) {
		t.Errorf("got %v", got)
	}
	if _, err := parseValues("1,,2"); err == nil {
		t.Errorf("expected an error for an empty value")
	}
}
