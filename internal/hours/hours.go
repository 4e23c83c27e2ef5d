// Package hours decides whether a channel is inside its business hours.
package hours

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// Config describes a weekly opening schedule.
type Config struct {
	Enabled      bool     `json:"enabled" yaml:"enabled"`
	Timezone     string   `json:"timezone" yaml:"timezone"`
	Start        string   `json:"start" yaml:"start"` // "08:00"
	End          string   `json:"end" yaml:"end"`     // "18:00"
	WorkDays     []string `json:"work_days" yaml:"work_days"`
	Holidays     []string `json:"holidays,omitempty" yaml:"holidays,omitempty"` // "2006-01-02"
	HolidaysFile string   `json:"holidays_file,omitempty" yaml:"holidays_file,omitempty"`
}

// HolidaysFile is the on-disk holiday list.
type HolidaysFile struct {
	Holidays []string `json:"holidays"`
}

// Schedule answers Open queries for one Config.
type Schedule struct {
	enabled  bool
	start    int // minutes since midnight
	end      int
	timezone *time.Location
	workDays map[time.Weekday]bool
	holidays map[string]bool
}

var weekdays = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

// New builds a Schedule. A disabled config yields a schedule that is always open.
func New(cfg Config) (*Schedule, error) {
	s := &Schedule{
		enabled:  cfg.Enabled,
		timezone: time.UTC,
		workDays: make(map[time.Weekday]bool),
		holidays: make(map[string]bool),
	}
	if !cfg.Enabled {
		return s, nil
	}

	if cfg.Timezone != "" {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("hours: timezone %q: %w", cfg.Timezone, err)
		}
		s.timezone = loc
	}

	var err error
	if s.start, err = parseClock(cfg.Start); err != nil {
		return nil, err
	}
	if s.end, err = parseClock(cfg.End); err != nil {
		return nil, err
	}
	if s.end <= s.start {
		return nil, fmt.Errorf("hours: end %q must be after start %q", cfg.End, cfg.Start)
	}

	days := cfg.WorkDays
	if len(days) == 0 {
		days = []string{"mon", "tue", "wed", "thu", "fri"}
	}
	for _, d := range days {
		key := strings.ToLower(strings.TrimSpace(d))
		if len(key) > 3 {
			key = key[:3]
		}
		wd, ok := weekdays[key]
		if !ok {
			return nil, fmt.Errorf("hours: unknown work day %q", d)
		}
		s.workDays[wd] = true
	}

	for _, h := range cfg.Holidays {
		s.holidays[h] = true
	}
	if cfg.HolidaysFile != "" {
		if err := s.loadHolidays(cfg.HolidaysFile); err != nil {
			return nil, fmt.Errorf("hours: holidays file: %w", err)
		}
	}
	return s, nil
}

// Open reports whether t falls inside business hours.
func (s *Schedule) Open(t time.Time) bool {
	if s == nil || !s.enabled {
		return true
	}
	local := t.In(s.timezone)
	if s.holidays[local.Format("2006-01-02")] {
		return false
	}
	if !s.workDays[local.Weekday()] {
		return false
	}
	minute := local.Hour()*60 + local.Minute()
	return minute >= s.start && minute < s.end
}

func (s *Schedule) loadHolidays(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	var hf HolidaysFile
	if err := json.Unmarshal(data, &hf); err != nil {
		return err
	}
	for _, h := range hf.Holidays {
		s.holidays[h] = true
	}
	return nil
}

func parseClock(v string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("hours: invalid clock %q (want HH:MM)", v)
	}
	return t.Hour()*60 + t.Minute(), nil
}
