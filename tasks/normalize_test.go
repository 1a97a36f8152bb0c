package tasks

import (
	"encoding/json"
	"math"
	"reflect"
	"testing"

	"rusted-workshop-web/models"
)

func f64(v float64) *float64 { return &v }
func str(v string) *string   { return &v }

// ---------------------------------------------------------------------------
// Status mapping
// ---------------------------------------------------------------------------

func TestMapStatusProcessingFamily(t *testing.T) {
	for _, raw := range []string{"preparing", "translating", "finalizing", "processing", " Translating "} {
		if got := MapStatus(raw); got != models.StatusProcessing {
			t.Errorf("MapStatus(%q) = %s, want processing", raw, got)
		}
	}
}

func TestMapStatusUnknownIsPending(t *testing.T) {
	for _, raw := range []string{"", "weird", "PAUSED", "123", "\x00"} {
		if got := MapStatus(raw); got != models.StatusPending {
			t.Errorf("MapStatus(%q) = %s, want pending", raw, got)
		}
	}
}

func TestMapStatusTerminal(t *testing.T) {
	cases := map[string]models.Status{
		"completed": models.StatusCompleted,
		"failed":    models.StatusFailed,
		"cancelled": models.StatusCancelled,
		"canceled":  models.StatusCancelled,
		"pending":   models.StatusPending,
	}
	for raw, want := range cases {
		if got := MapStatus(raw); got != want {
			t.Errorf("MapStatus(%q) = %s, want %s", raw, got, want)
		}
	}
}

// ---------------------------------------------------------------------------
// Messages and defaults
// ---------------------------------------------------------------------------

func TestNormalizeMessages(t *testing.T) {
	cases := []struct {
		name string
		in   models.BackendTask
		want string
		step string
	}{
		{"preparing", models.BackendTask{Status: "preparing"}, "preparing files", "preparing"},
		{"translating", models.BackendTask{Status: "translating"}, "translating files", "translating"},
		{"finalizing", models.BackendTask{Status: "finalizing"}, "packaging results", "finalizing"},
		{"processing uses payload message", models.BackendTask{Status: "processing", Message: "file 3 of 9"}, "file 3 of 9", ""},
		{"processing without message", models.BackendTask{Status: "processing"}, "processing", ""},
		{"completed", models.BackendTask{Status: "completed", Message: "ignored"}, "task completed", ""},
		{"failed with error", models.BackendTask{Status: "failed", ErrorMessage: str("bad archive")}, "bad archive", ""},
		{"failed with alt error field", models.BackendTask{Status: "failed", Error: str("disk full")}, "disk full", ""},
		{"failed without error", models.BackendTask{Status: "failed"}, "task failed", ""},
		{"cancelled", models.BackendTask{Status: "cancelled"}, "task cancelled", ""},
		{"unknown", models.BackendTask{Status: "mystery"}, "queued", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Normalize(tc.in)
			if got.Message != tc.want {
				t.Errorf("message = %q, want %q", got.Message, tc.want)
			}
			if got.CurrentStep != tc.step {
				t.Errorf("current_step = %q, want %q", got.CurrentStep, tc.step)
			}
		})
	}
}

func TestNormalizeDefaults(t *testing.T) {
	got := Normalize(models.BackendTask{TaskID: "ABCD-1234", Status: "pending"})

	if got.TaskKey != "ABCD-1234" {
		t.Errorf("task_key = %q", got.TaskKey)
	}
	if got.Progress != 0 || got.TotalFiles != 0 || got.ProcessedFiles != 0 {
		t.Errorf("numeric defaults not zero: %+v", got)
	}
	if got.ErrorMessage != nil {
		t.Errorf("error_message = %v, want nil", *got.ErrorMessage)
	}
	if got.CompletedAt != nil {
		t.Errorf("completed_at = %v, want nil", *got.CompletedAt)
	}

	raw, err := json.Marshal(got)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatal(err)
	}
	for _, field := range []string{"error_message", "completed_at"} {
		v, ok := m[field]
		if !ok || v != nil {
			t.Errorf("%s should serialize as null, got %v (present=%v)", field, v, ok)
		}
	}
	for _, field := range []string{"progress", "total_files", "processed_files"} {
		if v, ok := m[field]; !ok || v != float64(0) {
			t.Errorf("%s should serialize as 0, got %v", field, v)
		}
	}
}

func TestNormalizeIdentityAndFilenameFallbacks(t *testing.T) {
	got := Normalize(models.BackendTask{TaskKey: "K-1", OriginalFilename: "units.rwmod", Status: "pending"})
	if got.TaskKey != "K-1" || got.Filename != "units.rwmod" {
		t.Errorf("got key=%q filename=%q", got.TaskKey, got.Filename)
	}

	got = Normalize(models.BackendTask{ID: "K-2", Status: "pending"})
	if got.TaskKey != "K-2" {
		t.Errorf("got key=%q", got.TaskKey)
	}
}

func TestNormalizeEmptyStringsAreNull(t *testing.T) {
	got := Normalize(models.BackendTask{Status: "failed", ErrorMessage: str("  "), CompletedAt: str("")})
	if got.ErrorMessage != nil || got.CompletedAt != nil {
		t.Errorf("blank strings should normalize to nil: %+v", got)
	}
}

// ---------------------------------------------------------------------------
// Progress rounding
// ---------------------------------------------------------------------------

func TestRoundProgress(t *testing.T) {
	cases := []struct {
		in   *float64
		want float64
	}{
		{nil, 0},
		{f64(0), 0},
		{f64(33.333333), 33.33},
		{f64(66.666), 66.67},
		{f64(99.999), 100},
		{f64(100), 100},
		{f64(150), 100},
		{f64(-3), 0},
		{f64(math.NaN()), 0},
	}
	for _, tc := range cases {
		got := RoundProgress(tc.in)
		if got != tc.want {
			in := "nil"
			if tc.in != nil {
				in = jsonFloat(*tc.in)
			}
			t.Errorf("RoundProgress(%s) = %v, want %v", in, got, tc.want)
		}
	}
}

func TestRoundProgressMatchesFormula(t *testing.T) {
	for p := 0.0; p <= 100; p += 0.137 {
		got := RoundProgress(f64(p))
		want := math.Round(p*100) / 100
		if got != want {
			t.Fatalf("RoundProgress(%v) = %v, want %v", p, got, want)
		}
		if got < 0 || got > 100 {
			t.Fatalf("RoundProgress(%v) = %v out of range", p, got)
		}
	}
}

func jsonFloat(v float64) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "NaN"
	}
	return string(b)
}

// ---------------------------------------------------------------------------
// Idempotence
// ---------------------------------------------------------------------------

func TestNormalizeIsIdempotent(t *testing.T) {
	inputs := []models.BackendTask{
		{TaskID: "a", Status: "pending", QueuePosition: f64(2)},
		{TaskID: "b", Status: "translating", Progress: f64(41.256), TotalFiles: f64(10), ProcessedFiles: f64(4)},
		{TaskID: "c", Status: "processing", Message: "chunk 2", CurrentStep: "translate"},
		{TaskID: "d", Status: "failed", ErrorMessage: str("bad archive"), CompletedAt: str("2024-01-01T00:00:00Z")},
		{TaskID: "e", Status: "completed", Progress: f64(100), Filename: "x.rwmod"},
		{TaskID: "f", Status: "cancelled"},
		{TaskID: "g", Status: "garbage"},
	}

	for _, in := range inputs {
		once := Normalize(in)
		twice := NormalizeStatus(once)
		if !reflect.DeepEqual(once, twice) {
			t.Errorf("not idempotent for %s:\n once=%+v\ntwice=%+v", in.TaskID, once, twice)
		}
	}
}

func TestNormalizeCanonicalJSONRoundTrip(t *testing.T) {
	once := Normalize(models.BackendTask{TaskID: "k", Status: "finalizing", Progress: f64(97.5)})

	raw, err := json.Marshal(once)
	if err != nil {
		t.Fatal(err)
	}
	var backend models.BackendTask
	if err := json.Unmarshal(raw, &backend); err != nil {
		t.Fatal(err)
	}
	if again := Normalize(backend); !reflect.DeepEqual(once, again) {
		t.Errorf("canonical JSON did not normalize to itself:\n%+v\n%+v", once, again)
	}
}

func TestFailedScenario(t *testing.T) {
	got := Normalize(models.BackendTask{TaskID: "k", Status: "failed", ErrorMessage: str("bad archive")})
	if got.Status != models.StatusFailed || got.Message != "bad archive" {
		t.Errorf("got status=%s message=%q", got.Status, got.Message)
	}
}
