package schedule

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrInvalidSpec = errors.New("schedule: invalid pump spec")

// specParser accepts standard 5-field cron, an optional leading seconds
// field, and descriptors such as "@every 2s" or "@hourly".
var specParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSpec validates and parses a pump spec.
func ParseSpec(spec string) (cron.Schedule, error) {
	sched, err := specParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %s", ErrInvalidSpec, spec, err)
	}
	return sched, nil
}

// NextRun calculates the next run time after the given time
func NextRun(spec string, after time.Time) (time.Time, error) {
	sched, err := ParseSpec(spec)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

func ValidateSpec(spec string) error {
	_, err := ParseSpec(spec)
	return err
}
