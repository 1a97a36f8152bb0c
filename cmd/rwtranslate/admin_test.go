package main

import (
	"reflect"
	"testing"
)

func TestParseSettings(t *testing.T) {
	got, err := parseSettings("max_queue_size=20, system_status=maintenance,enabled=true,supported_languages=ja|ko")
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]any{
		"max_queue_size":      int64(20),
		"system_status":       "maintenance",
		"enabled":             true,
		"supported_languages": []string{"ja", "ko"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v", got)
	}

	for _, bad := range []string{"", "novalue", "=x"} {
		if _, err := parseSettings(bad); err == nil {
			t.Errorf("parseSettings(%q) succeeded", bad)
		}
	}
}
