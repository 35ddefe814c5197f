// Package intent turns a user message into either a structured tool command
// or a pass-through for the language model.
//
// Calendar commands are recognised in Spanish and English. A message is a
// calendar command only when it carries both a calendar verb ("agrega",
// "list", "mueve", ...) and a calendar noun ("evento", "meeting", ...).
package intent

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/capitalize-ai/conversation-orchestrator/internal/model"
)

// ErrUnparseable is returned when a calendar command is recognised but its
// date, time or required slots cannot be resolved. The errors below narrow
// down the cause and all match ErrUnparseable.
var ErrUnparseable = errors.New("unparseable command")

var (
	ErrMissingDate     = fmt.Errorf("%w: a date is required", ErrUnparseable)
	ErrInvalidDate     = fmt.Errorf("%w: invalid date", ErrUnparseable)
	ErrInvalidTime     = fmt.Errorf("%w: invalid time", ErrUnparseable)
	ErrSingleDate      = fmt.Errorf("%w: a single date is required", ErrUnparseable)
	ErrNothingToChange = fmt.Errorf("%w: nothing to change", ErrUnparseable)
	ErrMissingTool     = fmt.Errorf("%w: missing tool name", ErrUnparseable)
)

// Kind distinguishes tool commands from free-form text.
type Kind string

const (
	KindFreeForm    Kind = "free_form"
	KindToolCommand Kind = "tool_command"
)

// Intent is the parser's decision for one message.
type Intent struct {
	Kind  Kind
	Tool  string
	Slots model.Slots
	Text  string
}

// IsTool reports whether the intent routes to a tool.
func (i Intent) IsTool() bool {
	return i.Kind == KindToolCommand
}

const toolPrefix = "tool:"

var verbs = map[string]string{
	"add": model.CalendarAdd, "create": model.CalendarAdd, "schedule": model.CalendarAdd,
	"book": model.CalendarAdd, "agrega": model.CalendarAdd, "agregar": model.CalendarAdd,
	"anade": model.CalendarAdd, "anadir": model.CalendarAdd, "crea": model.CalendarAdd,
	"crear": model.CalendarAdd, "agenda": model.CalendarAdd, "agendar": model.CalendarAdd,
	"programa": model.CalendarAdd, "apunta": model.CalendarAdd,

	"list": model.CalendarList, "show": model.CalendarList, "display": model.CalendarList,
	"lista": model.CalendarList, "listar": model.CalendarList, "muestra": model.CalendarList,
	"muestrame": model.CalendarList, "mostrar": model.CalendarList, "ensename": model.CalendarList,
	"ver": model.CalendarList,

	"edit": model.CalendarEdit, "change": model.CalendarEdit, "move": model.CalendarEdit,
	"update": model.CalendarEdit, "reschedule": model.CalendarEdit, "rename": model.CalendarEdit,
	"edita": model.CalendarEdit, "editar": model.CalendarEdit, "cambia": model.CalendarEdit,
	"cambiar": model.CalendarEdit, "modifica": model.CalendarEdit, "modificar": model.CalendarEdit,
	"mueve": model.CalendarEdit, "mover": model.CalendarEdit, "actualiza": model.CalendarEdit,
	"renombra": model.CalendarEdit, "reprograma": model.CalendarEdit,

	"delete": model.CalendarDelete, "remove": model.CalendarDelete, "cancel": model.CalendarDelete,
	"elimina": model.CalendarDelete, "eliminar": model.CalendarDelete, "borra": model.CalendarDelete,
	"borrar": model.CalendarDelete, "cancela": model.CalendarDelete, "cancelar": model.CalendarDelete,
	"quita": model.CalendarDelete,
}

var nouns = map[string]bool{
	"evento": true, "eventos": true, "cita": true, "citas": true,
	"reunion": true, "reuniones": true, "calendario": true, "agenda": true,
	"event": true, "events": true, "meeting": true, "meetings": true,
	"appointment": true, "appointments": true, "calendar": true,
}

var (
	// Keywords that introduce an explicit event name.
	nameKeywordRe = regexp.MustCompile(`\b(?:llamad[oa]s?|titulad[oa]s?|denominad[oa]s?|called|named|titled)\s+`)
	quotedRe      = regexp.MustCompile(`["“'‘«]([^"”'’»]+)["”'’»]`)

	// Where a name ends.
	nameStops = []string{
		"  ", " el ", " del ", " de las ", " para el ", " para la ", " a las ", " a la ",
		" hoy", " manana", " pasado ", " on ", " at ", " for ", " from ", " today", " tomorrow",
		",", ".", ";", "?", "!",
	}

	// Where an edit's target ends and its changes begin.
	editSplitRe = regexp.MustCompile(`\s(?:al|a la|hacia el|para el|para las?|por|to|into|as|a)\s`)

	renameWordRe = regexp.MustCompile(`^\s*(?:el\s+|la\s+|the\s+)?(?:nombre\s+|titulo\s+|title\s+|name\s+)?`)
)

// Option configures a Parser.
type Option func(*Parser)

// WithLocation sets the time zone used to resolve relative dates.
func WithLocation(loc *time.Location) Option {
	return func(p *Parser) {
		if loc != nil {
			p.loc = loc
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Parser) {
		if now != nil {
			p.now = now
		}
	}
}

// WithMonthFirst reads numeric dates as month/day instead of day/month.
func WithMonthFirst() Option {
	return func(p *Parser) { p.monthFirst = true }
}

// WithLocale selects numeric date order from a locale tag ("es", "en-US").
func WithLocale(locale string) Option {
	return func(p *Parser) {
		p.monthFirst = strings.EqualFold(locale, "en-US") || strings.EqualFold(locale, "en_US")
	}
}

// Parser recognises tool commands in free text. It is safe for concurrent use.
type Parser struct {
	loc        *time.Location
	now        func() time.Time
	monthFirst bool
}

// NewParser creates a Parser. Dates resolve in UTC unless WithLocation is given.
func NewParser(opts ...Option) *Parser {
	p := &Parser{
		loc: time.UTC,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Parse classifies text. Errors wrap ErrUnparseable.
func (p *Parser) Parse(text string) (Intent, error) {
	trimmed := strings.TrimSpace(text)

	if len(trimmed) >= len(toolPrefix) && strings.EqualFold(trimmed[:len(toolPrefix)], toolPrefix) {
		return parseToolPrefix(trimmed[len(toolPrefix):])
	}

	f := fold(trimmed)
	action, ok := calendarAction(f.text)
	if !ok {
		return Intent{Kind: KindFreeForm, Text: text}, nil
	}

	slots, err := p.calendarSlots(f, action)
	if err != nil {
		return Intent{}, err
	}
	return Intent{
		Kind:  KindToolCommand,
		Tool:  model.ToolCalendar,
		Slots: slots,
		Text:  text,
	}, nil
}

// parseToolPrefix handles the explicit "tool:<name> <query>" form.
func parseToolPrefix(rest string) (Intent, error) {
	rest = strings.TrimSpace(rest)
	name, query, _ := strings.Cut(rest, " ")
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return Intent{}, ErrMissingTool
	}
	return Intent{
		Kind:  KindToolCommand,
		Tool:  name,
		Slots: model.Slots{model.SlotQuery: strings.TrimSpace(query)},
		Text:  rest,
	}, nil
}

// calendarAction returns the calendar action when text has a calendar verb
// and, in a different word, a calendar noun.
func calendarAction(text string) (string, bool) {
	words := tokens(text)
	verbAt := -1
	action := ""
	for i, w := range words {
		if a, ok := verbs[w]; ok {
			verbAt, action = i, a
			break
		}
	}
	if verbAt < 0 {
		return "", false
	}
	for i, w := range words {
		if i != verbAt && nouns[w] {
			return action, true
		}
	}
	return "", false
}

func (p *Parser) calendarSlots(f folded, action string) (model.Slots, error) {
	slots := model.Slots{model.SlotAction: action}
	now := p.now().In(p.loc)

	target, change := f, folded{}
	if action == model.CalendarEdit {
		target, change = splitEdit(f)
	}

	// Dates and times are blanked out first so they cannot leak into the name.
	w, err := p.when(&target, now)
	if err != nil {
		return nil, err
	}
	if name := extractName(target); name != "" {
		slots[model.SlotName] = name
	}
	if w.dates.found {
		slots[model.SlotDate] = w.dates.first.Format(dateLayout)
	}
	if w.dates.isRange {
		slots[model.SlotEndDate] = w.dates.last.Format(dateLayout)
	}
	if w.start != nil {
		slots[model.SlotTime] = w.start.String()
	}
	if w.end != nil {
		slots[model.SlotEndTime] = w.end.String()
	}

	switch action {
	case model.CalendarAdd:
		if !w.dates.found {
			return nil, fmt.Errorf("%w to add an event", ErrMissingDate)
		}
		if w.dates.isRange {
			return nil, fmt.Errorf("%w to add an event", ErrSingleDate)
		}
		if w.start == nil {
			slots[model.SlotTime] = "00:00"
		}

	case model.CalendarEdit:
		if w.dates.isRange {
			return nil, fmt.Errorf("%w to edit an event", ErrSingleDate)
		}
		if change.text == "" {
			return nil, ErrNothingToChange
		}
		nw, err := p.when(&change, now)
		if err != nil {
			return nil, err
		}
		if nw.dates.isRange {
			return nil, fmt.Errorf("%w to move an event", ErrSingleDate)
		}
		if nw.dates.found {
			slots[model.SlotNewDate] = nw.dates.first.Format(dateLayout)
		}
		if nw.start != nil {
			slots[model.SlotNewTime] = nw.start.String()
		}
		if !nw.dates.found && nw.start == nil {
			newName := renameTarget(change)
			if newName == "" {
				return nil, ErrNothingToChange
			}
			slots[model.SlotNewName] = newName
		}
	}
	return slots, nil
}

// schedule is the date and time part of a command.
type schedule struct {
	dates      dateSpan
	start, end *clockTime
}

// when pulls the dates and times out of f.
func (p *Parser) when(f *folded, now time.Time) (schedule, error) {
	var w schedule
	times, err := extractTimes(f)
	if err != nil {
		return w, err
	}
	for i := range times {
		t := times[i]
		switch {
		case t.end && w.end == nil:
			w.end = &t
		case !t.end && w.start == nil:
			w.start = &t
		}
	}
	w.dates, err = p.extractDates(f, now)
	if err != nil {
		return w, err
	}
	return w, nil
}

// splitEdit separates "move <target> to <change>" into its two halves.
func splitEdit(f folded) (target, change folded) {
	// Skip past the noun and the name so an article or a "to" inside the
	// name does not split.
	from := 0
	for _, w := range wordSpans(f.text) {
		if nouns[f.text[w[0]:w[1]]] {
			from = w[1]
			break
		}
	}
	if loc := nameKeywordRe.FindStringIndex(f.text); loc != nil && loc[1] > from {
		from = loc[1]
		if q := quotedRe.FindStringIndex(f.text[from:]); q != nil && q[0] == 0 {
			from += q[1]
		} else if w := strings.IndexByte(f.text[from:], ' '); w >= 0 {
			from += w
		} else {
			from = len(f.text)
		}
	}
	loc := editSplitRe.FindStringIndex(f.text[from:])
	if loc == nil {
		return f, folded{}
	}
	cut := from + loc[0]
	target = folded{text: f.text[:cut], orig: f.orig, offset: f.offset[:cut+1]}
	change = folded{
		text:   f.text[from+loc[1]:],
		orig:   f.orig,
		offset: f.offset[from+loc[1]:],
	}
	return target, change
}

// extractName finds the event title in f, keeping the original spelling.
func extractName(f folded) string {
	if loc := nameKeywordRe.FindStringIndex(f.text); loc != nil {
		return nameAt(f, loc[1])
	}
	if loc := quotedRe.FindStringSubmatchIndex(f.text); loc != nil {
		return strings.TrimSpace(f.original(loc[2], loc[3]))
	}
	// A capitalised word right after the noun: "borra la reunión Demo".
	words := wordSpans(f.text)
	for i, w := range words {
		if !nouns[f.text[w[0]:w[1]]] || i+1 >= len(words) {
			continue
		}
		next := words[i+1]
		r, _ := utf8.DecodeRuneInString(f.original(next[0], next[1]))
		if unicode.IsUpper(r) {
			return nameAt(f, next[0])
		}
	}
	return ""
}

// nameAt reads a name starting at folded offset start.
func nameAt(f folded, start int) string {
	rest := f.text[start:]
	if loc := quotedRe.FindStringSubmatchIndex(rest); loc != nil && loc[0] == 0 {
		return strings.TrimSpace(f.original(start+loc[2], start+loc[3]))
	}
	end := len(rest)
	padded := rest + " "
	for _, stop := range nameStops {
		if i := strings.Index(padded, stop); i >= 0 && i < end {
			end = i
		}
	}
	return strings.TrimSpace(f.original(start, start+end))
}

// renameTarget reads the new title from the change half of an edit.
func renameTarget(change folded) string {
	loc := renameWordRe.FindStringIndex(change.text)
	start := 0
	if loc != nil {
		start = loc[1]
	}
	if q := quotedRe.FindStringSubmatchIndex(change.text[start:]); q != nil {
		return strings.TrimSpace(change.original(start+q[2], start+q[3]))
	}
	return strings.TrimRight(strings.TrimSpace(change.original(start, len(change.text))), ".!?")
}

func wordSpans(s string) [][2]int {
	var spans [][2]int
	start := -1
	for i, r := range s {
		word := unicode.IsLetter(r) || unicode.IsDigit(r)
		switch {
		case word && start < 0:
			start = i
		case !word && start >= 0:
			spans = append(spans, [2]int{start, i})
			start = -1
		}
	}
	if start >= 0 {
		spans = append(spans, [2]int{start, len(s)})
	}
	return spans
}
