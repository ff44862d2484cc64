package engine

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"time"

	"dealerdesk/internal/domain"
	"dealerdesk/internal/engine/auth"
	"dealerdesk/internal/events"
	"dealerdesk/internal/recurrence"
	"dealerdesk/internal/repo"
)

const (
	BulkSetWeekdays = "set_weekdays"
	BulkSetDates    = "set_dates"
	BulkClearYear   = "clear_year"
)

// Where a day's type came from.
const (
	SourceDealership = "dealership"
	SourceGlobal     = "global"
	SourceDefault    = "default"
)

type DayInfo struct {
	Date        string  `json:"date"`
	Type        string  `json:"type"`
	IsHoliday   bool    `json:"is_holiday"`
	Description *string `json:"description,omitempty"`
	Source      string  `json:"source"`
	UsesGlobal  bool    `json:"uses_global"`
}

type CalendarYear struct {
	Year         int                  `json:"year"`
	DealershipID *string              `json:"dealership_id,omitempty"`
	UsesGlobal   bool                 `json:"uses_global"`
	Days         []domain.CalendarDay `json:"days"`
}

// CalendarResult reports a calendar mutation.
type CalendarResult struct {
	Affected         int  `json:"affected"`
	UsesGlobal       bool `json:"uses_global"`
	CopiedFromGlobal bool `json:"copied_from_global"`
}

type DayInput struct {
	Type         string
	Description  *string
	DealershipID *string
}

type BulkInput struct {
	Operation    string
	Year         int
	Weekdays     []int
	Dates        []string
	Type         string
	Description  *string
	DealershipID *string
}

func parseDate(field, s string) (time.Time, error) {
	d, err := time.Parse(time.DateOnly, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, invalid(field, "expected YYYY-MM-DD, got %q", s)
	}
	return d, nil
}

func checkDayType(t string) error {
	if t != domain.DayHoliday && t != domain.DayWorkday {
		return invalid("type", "unknown day type %q", t)
	}
	return nil
}

func checkYear(year int) error {
	if year < 1970 || year > 2100 {
		return invalid("year", "out of range: %d", year)
	}
	return nil
}

// IsHoliday resolves a date against the dealership calendar, then the global
// one. Dates with no row are workdays.
func (e Engine) IsHoliday(ctx context.Context, date time.Time, dealershipID *string) (bool, error) {
	info, err := e.resolveDay(ctx, e.DB, date.Format(time.DateOnly), dealershipID)
	return info.IsHoliday, err
}

func (e Engine) resolveDay(ctx context.Context, q repo.DBTX, date string, dealershipID *string) (DayInfo, error) {
	info := DayInfo{Date: date, Type: domain.DayWorkday, Source: SourceDefault}
	scopes := []*string{nil}
	if dealershipID != nil {
		scopes = []*string{dealershipID, nil}
	}
	for _, scope := range scopes {
		d, err := e.Repo.GetCalendarDay(ctx, q, date, scope)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return info, err
		}
		info.Type, info.Description = d.Type, d.Description
		info.Source = SourceGlobal
		if scope != nil {
			info.Source = SourceDealership
		}
		break
	}
	info.IsHoliday = info.Type == domain.DayHoliday
	return info, nil
}

// usesGlobal is true for the global scope and for dealerships with no rows
// of their own.
func (e Engine) usesGlobal(ctx context.Context, q repo.DBTX, dealershipID *string) (bool, error) {
	if dealershipID == nil {
		return true, nil
	}
	n, err := e.Repo.CountCalendarDays(ctx, q, dealershipID)
	return n == 0, err
}

func (e Engine) calendarReader(ctx context.Context, actorID string, dealershipID *string) error {
	actor, err := e.Auth.LoadActor(ctx, actorID)
	if err != nil {
		return err
	}
	if !auth.CanAccessDealership(actor, dealershipID) {
		return auth.ForbiddenError{Action: "calendar.read"}
	}
	return nil
}

func (e Engine) GetDay(ctx context.Context, actorID, date string, dealershipID *string) (DayInfo, error) {
	dealershipID = trimmedPtr(dealershipID)
	d, err := parseDate("date", date)
	if err != nil {
		return DayInfo{}, err
	}
	if err := e.calendarReader(ctx, actorID, dealershipID); err != nil {
		return DayInfo{}, err
	}
	info, err := e.resolveDay(ctx, e.DB, d.Format(time.DateOnly), dealershipID)
	if err != nil {
		return DayInfo{}, err
	}
	info.UsesGlobal, err = e.usesGlobal(ctx, e.DB, dealershipID)
	return info, err
}

// GetYear lists the rows in effect for a dealership: its own when it has
// forked, otherwise the global ones.
func (e Engine) GetYear(ctx context.Context, actorID string, year int, dealershipID *string) (CalendarYear, error) {
	dealershipID = trimmedPtr(dealershipID)
	if err := checkYear(year); err != nil {
		return CalendarYear{}, err
	}
	if err := e.calendarReader(ctx, actorID, dealershipID); err != nil {
		return CalendarYear{}, err
	}
	global, err := e.usesGlobal(ctx, e.DB, dealershipID)
	if err != nil {
		return CalendarYear{}, err
	}
	scope := dealershipID
	if global {
		scope = nil
	}
	days, err := e.Repo.ListCalendarDays(ctx, e.DB, year, scope)
	if err != nil {
		return CalendarYear{}, err
	}
	if days == nil {
		days = []domain.CalendarDay{}
	}
	return CalendarYear{Year: year, DealershipID: dealershipID, UsesGlobal: global, Days: days}, nil
}

// calendarWriterTx checks write access and forks the global calendar into
// the dealership on its first write.
func (e Engine) calendarWriterTx(ctx context.Context, tx *sql.Tx, actorID string, dealershipID *string, fork bool) (bool, error) {
	actor, err := e.Auth.LoadActorTx(ctx, tx, actorID)
	if err != nil {
		return false, err
	}
	if !auth.CanManageDealership(actor, dealershipID) {
		return false, auth.ForbiddenError{Action: "calendar.write"}
	}
	if err := e.checkDealership(ctx, tx, dealershipID); err != nil {
		return false, err
	}
	if !fork || dealershipID == nil {
		return false, nil
	}
	n, err := e.Repo.CountCalendarDays(ctx, tx, dealershipID)
	if err != nil || n > 0 {
		return false, err
	}
	copied, err := e.Repo.CopyGlobalCalendarTx(ctx, tx, *dealershipID, e.now())
	if err != nil {
		return false, err
	}
	e.logger().Info("forked global calendar", "dealership_id", *dealershipID, "rows", copied)
	return true, nil
}

func (e Engine) SetDay(ctx context.Context, actorID, date string, in DayInput) (CalendarResult, error) {
	in.DealershipID = trimmedPtr(in.DealershipID)
	d, err := parseDate("date", date)
	if err != nil {
		return CalendarResult{}, err
	}
	if err := checkDayType(in.Type); err != nil {
		return CalendarResult{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return CalendarResult{}, err
	}
	defer tx.Rollback()

	copied, err := e.calendarWriterTx(ctx, tx, actorID, in.DealershipID, true)
	if err != nil {
		return CalendarResult{}, err
	}
	day := domain.CalendarDay{Date: d.Format(time.DateOnly), DealershipID: in.DealershipID, Type: in.Type, Description: trimmedPtr(in.Description)}
	if err := e.Repo.UpsertCalendarDayTx(ctx, tx, day, e.now()); err != nil {
		return CalendarResult{}, err
	}
	return e.finishCalendarTx(ctx, tx, actorID, in.DealershipID, "set_day", 1, copied)
}

// Bulk applies one of set_weekdays, set_dates or clear_year. clear_year only
// deletes and never forks.
func (e Engine) Bulk(ctx context.Context, actorID string, in BulkInput) (CalendarResult, error) {
	in.DealershipID = trimmedPtr(in.DealershipID)
	if in.Type == "" {
		in.Type = domain.DayHoliday
	}
	var dates []string
	switch in.Operation {
	case BulkSetWeekdays:
		if err := checkYear(in.Year); err != nil {
			return CalendarResult{}, err
		}
		if len(in.Weekdays) == 0 {
			return CalendarResult{}, invalid("weekdays", "обязательное поле")
		}
		want := map[int]bool{}
		for _, wd := range in.Weekdays {
			if wd < 1 || wd > 7 {
				return CalendarResult{}, invalid("weekdays", "expected 1..7, got %d", wd)
			}
			want[wd] = true
		}
		for d := time.Date(in.Year, time.January, 1, 0, 0, 0, 0, time.UTC); d.Year() == in.Year; d = d.AddDate(0, 0, 1) {
			if want[recurrence.ISOWeekday(d)] {
				dates = append(dates, d.Format(time.DateOnly))
			}
		}
	case BulkSetDates:
		if len(in.Dates) == 0 {
			return CalendarResult{}, invalid("dates", "обязательное поле")
		}
		seen := map[string]bool{}
		for _, s := range in.Dates {
			d, err := parseDate("dates", s)
			if err != nil {
				return CalendarResult{}, err
			}
			if k := d.Format(time.DateOnly); !seen[k] {
				seen[k] = true
				dates = append(dates, k)
			}
		}
		sort.Strings(dates)
	case BulkClearYear:
		if err := checkYear(in.Year); err != nil {
			return CalendarResult{}, err
		}
	default:
		return CalendarResult{}, invalid("operation", "unknown operation %q", in.Operation)
	}
	if in.Operation != BulkClearYear {
		if err := checkDayType(in.Type); err != nil {
			return CalendarResult{}, err
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return CalendarResult{}, err
	}
	defer tx.Rollback()

	copied, err := e.calendarWriterTx(ctx, tx, actorID, in.DealershipID, in.Operation != BulkClearYear)
	if err != nil {
		return CalendarResult{}, err
	}
	affected := 0
	if in.Operation == BulkClearYear {
		if affected, err = e.Repo.DeleteCalendarYearTx(ctx, tx, in.Year, in.DealershipID); err != nil {
			return CalendarResult{}, err
		}
	} else {
		now := e.now()
		for _, date := range dates {
			day := domain.CalendarDay{Date: date, DealershipID: in.DealershipID, Type: in.Type, Description: trimmedPtr(in.Description)}
			if err := e.Repo.UpsertCalendarDayTx(ctx, tx, day, now); err != nil {
				return CalendarResult{}, err
			}
		}
		affected = len(dates)
	}
	return e.finishCalendarTx(ctx, tx, actorID, in.DealershipID, in.Operation, affected, copied)
}

func (e Engine) finishCalendarTx(ctx context.Context, tx *sql.Tx, actorID string, dealershipID *string, op string, affected int, copied bool) (CalendarResult, error) {
	global, err := e.usesGlobal(ctx, tx, dealershipID)
	if err != nil {
		return CalendarResult{}, err
	}
	if err := e.Events.Append(ctx, tx, events.CalendarChanged, derefOr(dealershipID), "calendar", derefOr(dealershipID), actorID, events.Payload{
		"operation":          op,
		"affected":           affected,
		"copied_from_global": copied,
	}); err != nil {
		return CalendarResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return CalendarResult{}, err
	}
	return CalendarResult{Affected: affected, UsesGlobal: global, CopiedFromGlobal: copied}, nil
}
