package olfactoryreaction

import (
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.viam.com/test"
)

func testParticipant() Participant {
	return Participant{ID: "marros", Gender: "Female", Age: 31, Smokes: "Doesn't smoke"}
}

// parseCSVRow splits on ';' and strips the quoting added by CSVRow.
func parseCSVRow(line string, f DecimalFormat) (TrialRecord, error) {
	cols := strings.Split(strings.TrimSuffix(line, "\n"), ";")
	unquote := func(s string) string {
		return strings.ReplaceAll(strings.TrimSuffix(strings.TrimPrefix(s, `"`), `"`), `""`, `"`)
	}
	var r TrialRecord
	start, err := time.ParseInLocation(startTimeLayout, cols[0], time.Local)
	if err != nil {
		return r, err
	}
	age, err := strconv.Atoi(cols[3])
	if err != nil {
		return r, err
	}
	r.Start = start
	r.Participant = Participant{ID: unquote(cols[1]), Gender: unquote(cols[2]), Age: age, Smokes: unquote(cols[4])}
	r.FirstScent = unquote(cols[5])
	r.SecondScent = unquote(cols[6])
	for i := range r.Timings {
		v, err := f.Parse(cols[7+i])
		if err != nil {
			return r, err
		}
		r.Timings[i] = v
	}
	return r, nil
}

func TestParticipantValidate(t *testing.T) {
	test.That(t, testParticipant().Validate(), test.ShouldBeNil)

	bad := []Participant{
		{ID: "", Gender: "Male", Age: 20, Smokes: "Smokes"},
		{ID: "abc", Gender: "Male", Age: 20, Smokes: "Smokes"},
		{ID: "ABCdef", Gender: "Male", Age: 20, Smokes: "Smokes"},
		{ID: "abcdef", Gender: "Robot", Age: 20, Smokes: "Smokes"},
		{ID: "abcdef", Gender: "Male", Age: 0, Smokes: "Smokes"},
		{ID: "abcdef", Gender: "Male", Age: 20, Smokes: "Sometimes"},
	}
	for _, p := range bad {
		test.That(t, p.Validate(), test.ShouldNotBeNil)
	}
}

func TestNormalizeParticipantID(t *testing.T) {
	test.That(t, NormalizeParticipantID("Mar Ros-1"), test.ShouldEqual, "marros")
	test.That(t, NormalizeParticipantID("abcdef"), test.ShouldEqual, "abcdef")
}

func TestNewTrialRecordStartsUnset(t *testing.T) {
	r := newTrialRecord(time.Now(), testParticipant(), "Lemon", "Mint")
	for f := TimingField(0); f < numTimings; f++ {
		test.That(t, r.IsUnset(f), test.ShouldBeTrue)
	}
	test.That(t, r.Complete(), test.ShouldBeFalse)

	for f := TimingField(0); f < numTimings; f++ {
		r.Timings[f] = Premature
	}
	test.That(t, r.Complete(), test.ShouldBeTrue)
}

func TestDecimalFormat(t *testing.T) {
	t.Run("english uses a point", func(t *testing.T) {
		f, err := NewDecimalFormat("en_US")
		test.That(t, err, test.ShouldBeNil)
		test.That(t, f.Format(1.23456), test.ShouldEqual, "1.235")
		test.That(t, f.Format(Premature), test.ShouldEqual, "-1.000")
	})

	t.Run("italian uses a comma", func(t *testing.T) {
		f, err := NewDecimalFormat("it_IT")
		test.That(t, err, test.ShouldBeNil)
		test.That(t, f.Format(2), test.ShouldEqual, "2,000")
		test.That(t, f.Format(1234.5), test.ShouldEqual, "1234,500")
		v, err := f.Parse("7,125")
		test.That(t, err, test.ShouldBeNil)
		test.That(t, v, test.ShouldEqual, 7.125)
	})

	t.Run("empty locale falls back to the default", func(t *testing.T) {
		f, err := NewDecimalFormat("")
		test.That(t, err, test.ShouldBeNil)
		test.That(t, f.Format(0.5), test.ShouldEqual, "0.500")
	})

	t.Run("unset values render as nan", func(t *testing.T) {
		var f DecimalFormat
		test.That(t, f.Format(math.NaN()), test.ShouldEqual, "nan")
	})

	t.Run("malformed locale is rejected", func(t *testing.T) {
		_, err := NewDecimalFormat("!!")
		test.That(t, err, test.ShouldNotBeNil)
	})
}

func TestCSVHeader(t *testing.T) {
	cols := strings.Split(strings.TrimSuffix(csvHeader, "\n"), ";")
	test.That(t, len(cols), test.ShouldEqual, 13)
	for _, c := range cols {
		test.That(t, strings.HasPrefix(c, `"`) && strings.HasSuffix(c, `"`), test.ShouldBeTrue)
	}
}

func TestCSVRowRoundTrip(t *testing.T) {
	start := time.Date(2024, 5, 1, 9, 30, 0, 123456000, time.Local)
	p := Participant{ID: "luibia", Gender: "Prefer not to answer", Age: 44, Smokes: "Smokes"}
	r := newTrialRecord(start, p, `Rose "A"`, "Coffee")
	r.Timings = [numTimings]float64{6.12345, 1.2, 9.8765, Premature, 5.0004, 0.333}

	for _, locale := range []string{"en_US", "it_IT"} {
		t.Run(locale, func(t *testing.T) {
			f, err := NewDecimalFormat(locale)
			test.That(t, err, test.ShouldBeNil)

			row := r.CSVRow(f)
			test.That(t, strings.HasSuffix(row, "\n"), test.ShouldBeTrue)
			test.That(t, len(strings.Split(row, ";")), test.ShouldEqual, 13)

			got, err := parseCSVRow(row, f)
			test.That(t, err, test.ShouldBeNil)
			test.That(t, got.Start.Equal(start), test.ShouldBeTrue)
			test.That(t, got.Participant, test.ShouldResemble, p)
			test.That(t, got.FirstScent, test.ShouldEqual, `Rose "A"`)
			test.That(t, got.SecondScent, test.ShouldEqual, "Coffee")
			for i := range r.Timings {
				test.That(t, got.Timings[i], test.ShouldAlmostEqual, r.Timings[i], 0.0005)
			}
			test.That(t, got.Timings[SwitchReaction], test.ShouldEqual, Premature)
		})
	}
}

func TestWriteSessionCSV(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2024, 5, 1, 9, 30, 0, 0, time.Local)
	f, err := NewDecimalFormat("it_IT")
	test.That(t, err, test.ShouldBeNil)

	r := newTrialRecord(start, testParticipant(), "Lemon", "Mint")
	r.Timings = [numTimings]float64{5, 1, 6, 2, 7, 3}
	trials := []TrialRecord{*r, *r}

	path, err := writeSessionCSV(dir, start, trials, f)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, path, test.ShouldEqual, filepath.Join(dir, "20240501T093000_marros.csv"))

	data, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	test.That(t, len(lines), test.ShouldEqual, 3)
	test.That(t, lines[0]+"\n", test.ShouldEqual, csvHeader)
	test.That(t, lines[1], test.ShouldContainSubstring, `"marros";"Female";31;"Doesn't smoke";"Lemon";"Mint";5,000;1,000`)

	_, err = writeSessionCSV(dir, start, nil, f)
	test.That(t, err, test.ShouldNotBeNil)
}
