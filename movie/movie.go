// Package movie holds the domain types shared by the extraction, storage and download stages.
package movie

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/alanbriolat/movie-archiver/generic"
)

var (
	ErrInvalidDetails = errors.New("invalid details")
	ErrUnknownField   = errors.New("unknown info field")
)

type Actor struct {
	Name string `json:"name"`
	Img  string `json:"img"`
}

type Title struct {
	GE string
	EN string
}

// Field is the canonical name of an optional info field.
type Field string

const (
	FieldGenre     Field = "genre"
	FieldStudio    Field = "studio"
	FieldYear      Field = "year"
	FieldDirectors Field = "directors"
	FieldLength    Field = "length"
	FieldCountries Field = "countries"
	FieldBudget    Field = "budget"
	FieldBoxOffice Field = "box_office"
	FieldPlot      Field = "plot"
)

var Fields = []Field{
	FieldGenre,
	FieldStudio,
	FieldYear,
	FieldDirectors,
	FieldLength,
	FieldCountries,
	FieldBudget,
	FieldBoxOffice,
	FieldPlot,
}

// Info is the set of optional descriptive fields of a movie page.
type Info struct {
	Genre     generic.Option[string]
	Studio    generic.Option[string]
	Year      generic.Option[int]
	Directors generic.Option[string]
	Length    generic.Option[string]
	Countries generic.Option[string]
	Budget    generic.Option[string]
	BoxOffice generic.Option[string]
	Plot      generic.Option[string]
}

// Set assigns a canonical field from its raw text. Empty values leave the field absent, and a year that does not
// start with a number is dropped.
func (i *Info) Set(field Field, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	var target *generic.Option[string]
	switch field {
	case FieldYear:
		if year, ok := parseYear(value); ok {
			i.Year = generic.Some(year)
		}
		return nil
	case FieldGenre:
		target = &i.Genre
	case FieldStudio:
		target = &i.Studio
	case FieldDirectors:
		target = &i.Directors
	case FieldLength:
		target = &i.Length
	case FieldCountries:
		target = &i.Countries
	case FieldBudget:
		target = &i.Budget
	case FieldBoxOffice:
		target = &i.BoxOffice
	case FieldPlot:
		target = &i.Plot
	default:
		return fmt.Errorf("%w: %v", ErrUnknownField, field)
	}
	*target = generic.Some(value)
	return nil
}

func parseYear(value string) (int, bool) {
	end := 0
	for end < len(value) && value[end] >= '0' && value[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	year, err := strconv.Atoi(value[:end])
	if err != nil {
		return 0, false
	}
	return year, true
}

// Details is everything extracted from one movie page. APIURL is the recovered media URL, and may be empty when
// nothing could be intercepted.
type Details struct {
	URL        string
	IMDbID     string
	Title      Title
	PosterLink string
	Info       Info
	Actors     []Actor
	APIURL     string
}

// Validate checks the invariants that must hold before details are persisted.
func (d *Details) Validate() error {
	if strings.TrimSpace(d.URL) == "" {
		return fmt.Errorf("%w: empty page URL", ErrInvalidDetails)
	}
	if d.APIURL != "" {
		u, err := url.Parse(d.APIURL)
		if err != nil {
			return fmt.Errorf("%w: media URL: %v", ErrInvalidDetails, err)
		}
		if !u.IsAbs() || u.Host == "" {
			return fmt.Errorf("%w: media URL is not absolute: %v", ErrInvalidDetails, d.APIURL)
		}
	}
	if d.Info.Year.IsSome() && d.Info.Year.Value <= 0 {
		return fmt.Errorf("%w: year %d", ErrInvalidDetails, d.Info.Year.Value)
	}
	for i, actor := range d.Actors {
		if strings.TrimSpace(actor.Name) == "" {
			return fmt.Errorf("%w: actor %d has no name", ErrInvalidDetails, i)
		}
	}
	return nil
}
