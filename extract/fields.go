package extract

import (
	"io"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/alanbriolat/movie-archiver/movie"
	"github.com/alanbriolat/movie-archiver/util"
)

// labels maps the info block labels used by the site, in Georgian and English, to canonical fields.
var labels = map[string]movie.Field{
	"ჟანრი":          movie.FieldGenre,
	"genre":          movie.FieldGenre,
	"სტუდია":         movie.FieldStudio,
	"studio":         movie.FieldStudio,
	"წელი":           movie.FieldYear,
	"გამოშვების წელი": movie.FieldYear,
	"year":           movie.FieldYear,
	"რეჟისორი":       movie.FieldDirectors,
	"რეჟისორები":     movie.FieldDirectors,
	"director":       movie.FieldDirectors,
	"directors":      movie.FieldDirectors,
	"ხანგრძლივობა":   movie.FieldLength,
	"length":         movie.FieldLength,
	"duration":       movie.FieldLength,
	"ქვეყანა":        movie.FieldCountries,
	"ქვეყნები":       movie.FieldCountries,
	"country":        movie.FieldCountries,
	"countries":      movie.FieldCountries,
	"ბიუჯეტი":        movie.FieldBudget,
	"budget":         movie.FieldBudget,
	"შემოსავალი":     movie.FieldBoxOffice,
	"box office":     movie.FieldBoxOffice,
	"ფილმის სიუჟეტი": movie.FieldPlot,
	"სიუჟეტი":        movie.FieldPlot,
	"plot":           movie.FieldPlot,
}

// LookupLabel returns the canonical field for an info label, if it is known.
func LookupLabel(label string) (movie.Field, bool) {
	field, ok := labels[strings.ToLower(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(label), ":")))]
	return field, ok
}

var imdbIDPattern = regexp.MustCompile(`title/(tt\d+)`)

// ParseDetailsPage reads everything it can from a rendered movie page. Missing elements leave fields empty; a page
// that cannot be parsed at all yields details with only the URL set.
func ParseDetailsPage(pageURL string, r io.Reader) *movie.Details {
	d := &movie.Details{URL: pageURL}
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return d
	}

	if href, ok := doc.Find("div.movies-full__inside-rates a").First().Attr("href"); ok {
		if m := imdbIDPattern.FindStringSubmatch(href); m != nil {
			d.IMDbID = m[1]
		}
	}

	if src, ok := doc.Find("div.movies-full__poster img").First().Attr("src"); ok && strings.TrimSpace(src) != "" {
		d.PosterLink = util.ResolveReference(pageURL, src)
	}

	titles := doc.Find("h1").First().Find("div")
	if titles.Length() > 0 {
		ge := strings.TrimSpace(titles.Eq(0).Text())
		ge, _, _ = strings.Cut(ge, " (2")
		d.Title.GE = strings.TrimSpace(ge)
	}
	if titles.Length() > 1 {
		en := strings.TrimSpace(titles.Eq(1).Text())
		en, _, _ = strings.Cut(en, "\t")
		d.Title.EN = strings.TrimSpace(en)
	}

	paragraphs := doc.Find("div.textOf").First().Find("p")
	paragraphs.Each(func(i int, p *goquery.Selection) {
		text := strings.TrimSpace(p.Text())
		if text == "" {
			return
		}
		label, value, found := strings.Cut(text, ": ")
		if found {
			if field, ok := LookupLabel(label); ok {
				_ = d.Info.Set(field, value)
				return
			}
		}
		// The synopsis is usually the last paragraph and has no label.
		if i == paragraphs.Length()-1 && d.Info.Plot.IsNone() {
			_ = d.Info.Set(movie.FieldPlot, text)
		}
	})

	names := doc.Find("p.actor-name")
	images := doc.Find("div.actor-img img")
	for i := 0; i < names.Length() && i < images.Length(); i++ {
		name := strings.TrimSpace(names.Eq(i).Text())
		if name == "" {
			continue
		}
		img, _ := images.Eq(i).Attr("src")
		if img = strings.TrimSpace(img); img != "" {
			img = util.ResolveReference(pageURL, img)
		}
		d.Actors = append(d.Actors, movie.Actor{Name: name, Img: img})
	}
	return d
}
