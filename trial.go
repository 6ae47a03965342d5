package olfactoryreaction

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// TimingField indexes the six per-cycle durations.
type TimingField int

const (
	OnWait TimingField = iota
	OnReaction
	SwitchWait
	SwitchReaction
	OffWait
	OffReaction

	numTimings
)

// Premature marks a reaction given before the timed phase elapsed.
const Premature = -1.0

const (
	startTimeLayout = "2006-01-02T15:04:05.000000"
	fileTimeLayout  = "20060102T150405"
	defaultLocale   = "en_US"
)

var (
	genders     = []string{"Female", "Male", "Other", "Prefer not to answer"}
	smokingKind = []string{"Smokes", "Doesn't smoke", "Prefer not to answer"}

	nonLetters = regexp.MustCompile(`[^a-z]`)
)

// Participant is the anonymised metadata copied into every trial.
type Participant struct {
	ID     string
	Gender string
	Age    int
	Smokes string
}

// NormalizeParticipantID lowercases and strips everything but letters.
func NormalizeParticipantID(id string) string {
	return nonLetters.ReplaceAllString(strings.ToLower(id), "")
}

// Validate mirrors the checks the session form applies before a start.
func (p Participant) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("participant identifier is required")
	}
	if len(p.ID) != 6 || NormalizeParticipantID(p.ID) != p.ID {
		return fmt.Errorf("identifier should be three first letters of name and surname, got %q", p.ID)
	}
	if !oneOf(p.Gender, genders) {
		return fmt.Errorf("gender must be one of %q, got %q", genders, p.Gender)
	}
	if p.Age <= 0 {
		return fmt.Errorf("age must be a positive number, got %d", p.Age)
	}
	if !oneOf(p.Smokes, smokingKind) {
		return fmt.Errorf("smoking status must be one of %q, got %q", smokingKind, p.Smokes)
	}
	return nil
}

func oneOf(v string, options []string) bool {
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}

// TrialRecord is one completed (or in-progress) cycle.
type TrialRecord struct {
	Start       time.Time
	Participant Participant
	// FirstScent was presented first, already resolved for this trial's order.
	FirstScent  string
	SecondScent string
	Timings     [numTimings]float64
}

func newTrialRecord(start time.Time, p Participant, first, second string) *TrialRecord {
	r := &TrialRecord{
		Start:       start,
		Participant: p,
		FirstScent:  first,
		SecondScent: second,
	}
	for i := range r.Timings {
		r.Timings[i] = math.NaN()
	}
	return r
}

// IsUnset reports whether field f has not been written yet.
func (r *TrialRecord) IsUnset(f TimingField) bool {
	return math.IsNaN(r.Timings[f])
}

// Complete reports whether all timings are written.
func (r *TrialRecord) Complete() bool {
	for f := TimingField(0); f < numTimings; f++ {
		if r.IsUnset(f) {
			return false
		}
	}
	return true
}

// DecimalFormat renders durations with a locale's decimal separator.
type DecimalFormat struct {
	separator string
}

// NewDecimalFormat accepts BCP 47 tags and POSIX-style names such as it_IT.
func NewDecimalFormat(locale string) (DecimalFormat, error) {
	if locale == "" {
		locale = defaultLocale
	}
	tag, err := language.Parse(strings.ReplaceAll(locale, "_", "-"))
	if err != nil {
		return DecimalFormat{}, fmt.Errorf("parsing locale %q: %w", locale, err)
	}
	sample := message.NewPrinter(tag).Sprintf("%.1f", 1.5)
	sep := strings.Trim(sample, "0123456789")
	if sep == "" {
		sep = "."
	}
	return DecimalFormat{separator: sep}, nil
}

func (f DecimalFormat) sep() string {
	if f.separator == "" {
		return "."
	}
	return f.separator
}

// Format uses three fractional digits.
func (f DecimalFormat) Format(v float64) string {
	if math.IsNaN(v) {
		return "nan"
	}
	return strings.Replace(strconv.FormatFloat(v, 'f', 3, 64), ".", f.sep(), 1)
}

// Parse is the inverse of Format.
func (f DecimalFormat) Parse(s string) (float64, error) {
	return strconv.ParseFloat(strings.Replace(s, f.sep(), ".", 1), 64)
}

const csvHeader = `"cycle start [ISO 8601]";"participant anonymous name";"participant gender";"participant age";"participant smokes";"scent 1";"scent 2";` +
	`"turn on 1 [s]";"on reaction [s]";"switch [s]";"switch reaction [s]";"turn off [s]";"turn off reaction [s]"` + "\n"

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// CSVRow renders r as one semicolon-separated line including the newline.
func (r *TrialRecord) CSVRow(f DecimalFormat) string {
	cols := make([]string, 0, 7+numTimings)
	cols = append(cols,
		r.Start.Format(startTimeLayout),
		quote(r.Participant.ID),
		quote(r.Participant.Gender),
		strconv.Itoa(r.Participant.Age),
		quote(r.Participant.Smokes),
		quote(r.FirstScent),
		quote(r.SecondScent),
	)
	for _, v := range r.Timings {
		cols = append(cols, f.Format(v))
	}
	return strings.Join(cols, ";") + "\n"
}

// EncodeCSV renders the header followed by one row per trial.
func EncodeCSV(trials []TrialRecord, f DecimalFormat) string {
	var b strings.Builder
	b.WriteString(csvHeader)
	for i := range trials {
		b.WriteString(trials[i].CSVRow(f))
	}
	return b.String()
}

// sessionFileName is derived from the session start and the participant.
func sessionFileName(start time.Time, participantID string) string {
	return start.Format(fileTimeLayout) + "_" + participantID + ".csv"
}

// writeSessionCSV writes all completed trials in one go and returns the path.
func writeSessionCSV(dir string, start time.Time, trials []TrialRecord, f DecimalFormat) (string, error) {
	if len(trials) == 0 {
		return "", fmt.Errorf("no completed trials to save")
	}
	if dir == "" {
		dir = "."
	}
	path := filepath.Join(dir, sessionFileName(start, trials[0].Participant.ID))
	if err := os.WriteFile(path, []byte(EncodeCSV(trials, f)), 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return path, nil
}
