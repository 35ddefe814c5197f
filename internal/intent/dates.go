package intent

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

var months = map[string]time.Month{
	"enero": time.January, "febrero": time.February, "marzo": time.March,
	"abril": time.April, "mayo": time.May, "junio": time.June,
	"julio": time.July, "agosto": time.August, "septiembre": time.September,
	"setiembre": time.September, "octubre": time.October, "noviembre": time.November,
	"diciembre": time.December,

	"january": time.January, "february": time.February, "march": time.March,
	"april": time.April, "may": time.May, "june": time.June, "july": time.July,
	"august": time.August, "september": time.September, "october": time.October,
	"november": time.November, "december": time.December,
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"jun": time.June, "jul": time.July, "aug": time.August, "sep": time.September,
	"sept": time.September, "oct": time.October, "nov": time.November, "dec": time.December,
}

var weekdays = map[string]time.Weekday{
	"lunes": time.Monday, "martes": time.Tuesday, "miercoles": time.Wednesday,
	"jueves": time.Thursday, "viernes": time.Friday, "sabado": time.Saturday,
	"domingo": time.Sunday,

	"monday": time.Monday, "tuesday": time.Tuesday, "wednesday": time.Wednesday,
	"thursday": time.Thursday, "friday": time.Friday, "saturday": time.Saturday,
	"sunday": time.Sunday,
}

var (
	monthAlt   = alternation(months)
	weekdayAlt = alternation(weekdays)

	isoDateRe     = regexp.MustCompile(`\b(\d{4})-(\d{1,2})-(\d{1,2})\b`)
	numericDateRe = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})(?:/(\d{2,4}))?\b`)
	dayMonthRe    = regexp.MustCompile(`\b(\d{1,2})(?:st|nd|rd|th)?\s+(?:de\s+|of\s+)?(` + monthAlt + `)\b(?:,?\s+(?:de\s+|del\s+)?(\d{4})\b)?`)
	monthDayRe    = regexp.MustCompile(`\b(` + monthAlt + `)\s+(\d{1,2})(?:st|nd|rd|th)?\b(?:,?\s+(\d{4})\b)?`)
	relativeRe    = regexp.MustCompile(`\b(pasado\s+manana|day\s+after\s+tomorrow|manana|tomorrow|hoy|today)\b`)
	weekdayRe     = regexp.MustCompile(`\b(?:el\s+|next\s+|on\s+|este\s+|proximo\s+)?(` + weekdayAlt + `)\b`)

	// Day ranges within one month.
	dayRangeMonthRe = regexp.MustCompile(`\b(\d{1,2})(?:st|nd|rd|th)?(?:\s*-\s*|\s+(?:al|a|y|to|and|through)\s+)(?:el\s+|the\s+)?(\d{1,2})(?:st|nd|rd|th)?\s+(?:de\s+|of\s+)?(` + monthAlt + `)\b(?:,?\s+(?:de\s+|del\s+)?(\d{4})\b)?`)
	monthDayRangeRe = regexp.MustCompile(`\b(` + monthAlt + `)\s+(\d{1,2})(?:st|nd|rd|th)?(?:\s*-\s*|\s+(?:al|a|y|to|and|through)\s+)(?:the\s+)?(\d{1,2})(?:st|nd|rd|th)?\b(?:,?\s+(\d{4})\b)?`)

	// Joins the two ends of a range: "al", "hasta el", "y el", "to", "-".
	rangeJoinRe = regexp.MustCompile(`^\s*(?:-|(?:al|hasta|y|to|until|till|through|and)\s)\s*(?:el\s+|the\s+)?`)

	// A bare day number followed by a range joiner, left in front of a date.
	danglingRangeRe = regexp.MustCompile(`\b\d{1,2}(?:st|nd|rd|th)?\s*(?:-|(?:al|a|hasta|y|to|until|till|through|and)\s)\s*(?:el\s+|the\s+)?$`)

	// Hour with an optional lead-in ("a las", "at", "hasta las") and an
	// optional meridiem or day-part suffix.
	timeRe = regexp.MustCompile(
		`\b(?:(a\s+las?|a\s+eso\s+de\s+las?|sobre\s+las?|hasta\s+las?|las|at|until|till)\s+)?` +
			`(\d{1,2})(?::(\d{2}))?` +
			`(?:\s*(a\.m\.|p\.m\.|(?:am|pm|hrs|h)\b))?` +
			`(?:\s+(de\s+la\s+manana|de\s+la\s+tarde|de\s+la\s+noche|in\s+the\s+morning|in\s+the\s+afternoon|in\s+the\s+evening))?`)
)

func alternation[V any](m map[string]V) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Longest first so "sept" wins over "sep".
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && (len(keys[j]) > len(keys[j-1]) ||
			len(keys[j]) == len(keys[j-1]) && keys[j] < keys[j-1]); j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return strings.Join(keys, "|")
}

// clockTime is a parsed time of day.
type clockTime struct {
	hour, minute int
	end          bool // introduced by "hasta"/"until"
}

func (c clockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.hour, c.minute)
}

// extractTimes finds every explicit time of day in f, blanks it out and
// returns the matches in order. A bare number is not a time; it needs a
// lead-in, minutes or a meridiem.
func extractTimes(f *folded) ([]clockTime, error) {
	var out []clockTime
	for _, m := range timeRe.FindAllStringSubmatchIndex(f.text, -1) {
		group := func(i int) string {
			if m[2*i] < 0 {
				return ""
			}
			return f.text[m[2*i]:m[2*i+1]]
		}
		lead, hourStr, minStr, meridiem, dayPart := group(1), group(2), group(3), group(4), group(5)
		if lead == "" && minStr == "" && meridiem == "" && dayPart == "" {
			continue
		}

		hour, _ := strconv.Atoi(hourStr)
		minute := 0
		if minStr != "" {
			minute, _ = strconv.Atoi(minStr)
		}

		pm := strings.HasPrefix(meridiem, "p") ||
			strings.Contains(dayPart, "tarde") || strings.Contains(dayPart, "noche") ||
			strings.Contains(dayPart, "afternoon") || strings.Contains(dayPart, "evening")
		am := strings.HasPrefix(meridiem, "a") ||
			strings.Contains(dayPart, "manana") || strings.Contains(dayPart, "morning")

		switch {
		case pm || am:
			if hour < 1 || hour > 12 {
				return nil, fmt.Errorf("%w: hour %d out of range", ErrInvalidTime, hour)
			}
			if pm && hour < 12 {
				hour += 12
			}
			if am && hour == 12 {
				hour = 0
			}
		case hour > 23:
			return nil, fmt.Errorf("%w: hour %d out of range", ErrInvalidTime, hour)
		}
		if minute > 59 {
			return nil, fmt.Errorf("%w: minute %d out of range", ErrInvalidTime, minute)
		}

		out = append(out, clockTime{
			hour:   hour,
			minute: minute,
			end:    strings.HasPrefix(lead, "hasta") || lead == "until" || lead == "till",
		})
		f.blank(m[0], m[1])
	}
	return out, nil
}

// dateMatch is a resolved date expression at text[start:end].
type dateMatch struct {
	start, end int
	date       time.Time
	weekday    bool
}

// dateSpan is the date part of a command: one day, or first..last inclusive.
type dateSpan struct {
	first, last time.Time
	found       bool
	isRange     bool
}

// findDate resolves the leftmost date expression in text[from:]. Offsets in
// the result are relative to text. err is set when the expression was found
// but does not name a real date.
func (p *Parser) findDate(text string, today time.Time, from int) (dateMatch, bool, error) {
	rest := text[from:]
	sub := func(loc []int, i int) string {
		if loc[2*i] < 0 {
			return ""
		}
		return rest[loc[2*i]:loc[2*i+1]]
	}

	matchers := []struct {
		re      *regexp.Regexp
		weekday bool
		resolve func(loc []int) (time.Time, error)
	}{
		{isoDateRe, false, func(loc []int) (time.Time, error) {
			return p.calendarDate(today, atoi(sub(loc, 1)), atoi(sub(loc, 2)), atoi(sub(loc, 3)))
		}},
		{numericDateRe, false, func(loc []int) (time.Time, error) {
			a, b := atoi(sub(loc, 1)), atoi(sub(loc, 2))
			day, month := a, b
			if p.monthFirst {
				day, month = b, a
			}
			return p.calendarDate(today, yearOf(sub(loc, 3)), month, day)
		}},
		{dayMonthRe, false, func(loc []int) (time.Time, error) {
			return p.calendarDate(today, yearOf(sub(loc, 3)), int(months[sub(loc, 2)]), atoi(sub(loc, 1)))
		}},
		{monthDayRe, false, func(loc []int) (time.Time, error) {
			return p.calendarDate(today, yearOf(sub(loc, 3)), int(months[sub(loc, 1)]), atoi(sub(loc, 2)))
		}},
		{relativeRe, false, func(loc []int) (time.Time, error) {
			word := strings.Join(strings.Fields(sub(loc, 1)), " ")
			switch word {
			case "pasado manana", "day after tomorrow":
				return today.AddDate(0, 0, 2), nil
			case "manana", "tomorrow":
				return today.AddDate(0, 0, 1), nil
			default:
				return today, nil
			}
		}},
		{weekdayRe, true, func(loc []int) (time.Time, error) {
			wd := weekdays[sub(loc, 1)]
			days := (int(wd) - int(today.Weekday()) + 7) % 7
			if days == 0 {
				days = 7
			}
			return today.AddDate(0, 0, days), nil
		}},
	}

	var (
		bestLoc     []int
		bestWeekday bool
		bestResolve func([]int) (time.Time, error)
	)
	for _, mt := range matchers {
		loc := mt.re.FindStringSubmatchIndex(rest)
		if loc == nil {
			continue
		}
		if bestLoc == nil || loc[0] < bestLoc[0] {
			bestLoc, bestWeekday, bestResolve = loc, mt.weekday, mt.resolve
		}
	}
	if bestLoc == nil {
		return dateMatch{}, false, nil
	}

	m := dateMatch{start: from + bestLoc[0], end: from + bestLoc[1], weekday: bestWeekday}
	date, err := bestResolve(bestLoc)
	if err != nil {
		return m, true, err
	}
	m.date = date
	return m, true, nil
}

// findCompactRange resolves a day range sharing one month: "del 1 al 3 de
// febrero", "1-3 feb", "february 1 to 3".
func (p *Parser) findCompactRange(text string, today time.Time) (m dateMatch, last time.Time, ok bool, err error) {
	var loc []int
	var first, second, month, year string
	sub := func(loc []int, i int) string {
		if loc[2*i] < 0 {
			return ""
		}
		return text[loc[2*i]:loc[2*i+1]]
	}
	dm := dayRangeMonthRe.FindStringSubmatchIndex(text)
	md := monthDayRangeRe.FindStringSubmatchIndex(text)
	switch {
	case dm != nil && (md == nil || dm[0] <= md[0]):
		loc = dm
		first, second, month, year = sub(dm, 1), sub(dm, 2), sub(dm, 3), sub(dm, 4)
	case md != nil:
		loc = md
		month, first, second, year = sub(md, 1), sub(md, 2), sub(md, 3), sub(md, 4)
	default:
		return dateMatch{}, time.Time{}, false, nil
	}

	m = dateMatch{start: loc[0], end: loc[1]}
	start, err := p.calendarDate(today, yearOf(year), int(months[month]), atoi(first))
	if err != nil {
		return m, time.Time{}, true, err
	}
	// The end shares the start's year, so a rolled-over start carries it along.
	end, err := p.calendarDate(today, start.Year(), int(months[month]), atoi(second))
	if err != nil {
		return m, time.Time{}, true, err
	}
	if end.Before(start) {
		return m, time.Time{}, true, fmt.Errorf("%w: range ends before it starts", ErrInvalidDate)
	}
	m.date = start
	return m, end, true, nil
}

// extractDates finds the date or date range in f relative to now and blanks
// it out.
func (p *Parser) extractDates(f *folded, now time.Time) (dateSpan, error) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, p.loc)

	single, hasSingle, singleErr := p.findDate(f.text, today, 0)
	compact, compactLast, hasCompact, compactErr := p.findCompactRange(f.text, today)

	if hasCompact && (!hasSingle || compact.start <= single.start || compact.start < single.end) {
		if compactErr != nil {
			return dateSpan{}, compactErr
		}
		f.blank(compact.start, compact.end)
		return dateSpan{first: compact.date, last: compactLast, found: true, isRange: true}, nil
	}
	if !hasSingle {
		return dateSpan{}, nil
	}
	if singleErr != nil {
		return dateSpan{}, singleErr
	}
	// "del 1 al" before a full date is a range whose start we cannot read.
	if danglingRangeRe.MatchString(f.text[:single.start]) {
		return dateSpan{}, fmt.Errorf("%w: incomplete date range", ErrInvalidDate)
	}

	span := dateSpan{first: single.date, last: single.date, found: true}
	end := single.end
	if conn := rangeJoinRe.FindStringIndex(f.text[single.end:]); conn != nil {
		from := single.end + conn[1]
		next, ok, err := p.findDate(f.text, today, from)
		if ok && next.start == from {
			if err != nil {
				return dateSpan{}, err
			}
			last := next.date
			if last.Before(span.first) && next.weekday {
				last = last.AddDate(0, 0, 7)
			}
			if last.Before(span.first) {
				return dateSpan{}, fmt.Errorf("%w: range ends before it starts", ErrInvalidDate)
			}
			span.last, span.isRange, end = last, true, next.end
		}
	}
	f.blank(single.start, end)
	return span, nil
}

// calendarDate validates a day/month/year triple. A zero year means the
// next occurrence: the current year, or the next one if the date has passed.
func (p *Parser) calendarDate(today time.Time, year, month, day int) (time.Time, error) {
	explicit := year != 0
	if !explicit {
		year = today.Year()
	}
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, fmt.Errorf("%w: %02d/%02d", ErrInvalidDate, day, month)
	}
	d := time.Date(year, time.Month(month), day, 0, 0, 0, 0, p.loc)
	if d.Day() != day {
		return time.Time{}, fmt.Errorf("%w: %d-%02d-%02d", ErrInvalidDate, year, month, day)
	}
	if !explicit && d.Before(today) {
		next := time.Date(year+1, time.Month(month), day, 0, 0, 0, 0, p.loc)
		if next.Day() != day {
			// 29 February without a leap year ahead.
			return time.Time{}, fmt.Errorf("%w: %02d/%02d", ErrInvalidDate, day, month)
		}
		d = next
	}
	return d, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func yearOf(s string) int {
	if s == "" {
		return 0
	}
	y := atoi(s)
	if len(s) == 2 {
		y += 2000
	}
	return y
}
