package database

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/alanbriolat/movie-archiver/generic"
	"github.com/alanbriolat/movie-archiver/movie"
)

type RowID = int64

const NullRowID RowID = 0

type Link struct {
	URL       string `gorm:"column:url;primaryKey"`
	Processed bool   `gorm:"column:processed;not null;default:0"`
}

func (Link) TableName() string {
	return "movie_links"
}

// Detail is one row of movie_details. Optional info fields are NULL when absent.
type Detail struct {
	ID             RowID   `gorm:"column:id;primaryKey;autoIncrement" diff:"-"`
	URL            string  `gorm:"column:url"`
	ImdbID         *string `gorm:"column:imdb_id;type:text"`
	TitleGe        *string `gorm:"column:title_ge;type:text"`
	TitleEn        *string `gorm:"column:title_en;type:text"`
	PosterLink     *string `gorm:"column:poster_link;type:text"`
	Genre          *string `gorm:"column:genre;type:text"`
	Studio         *string `gorm:"column:studio;type:text"`
	Year           *int    `gorm:"column:year;type:integer"`
	Directors      *string `gorm:"column:directors;type:text"`
	Length         *string `gorm:"column:length;type:text"`
	Countries      *string `gorm:"column:countries;type:text"`
	Budget         *string `gorm:"column:budget;type:text"`
	BoxOffice      *string `gorm:"column:box_office;type:text"`
	Plot           *string `gorm:"column:plot;type:text"`
	Actors         Actors  `gorm:"column:actors;type:text"`
	APIURL         *string `gorm:"column:api_url;type:text"`
	DownloadedPath *string `gorm:"column:downloaded_path;type:text"`
	DownloadStatus bool    `gorm:"column:download_status;type:integer;not null;default:0"`
}

func (Detail) TableName() string {
	return "movie_details"
}

// detailColumns are overwritten wholesale when a detail is re-extracted.
var detailColumns = []string{
	"imdb_id", "title_ge", "title_en", "poster_link",
	"genre", "studio", "year", "directors", "length", "countries", "budget", "box_office", "plot",
	"actors", "api_url", "downloaded_path", "download_status",
}

// NewDetail converts extracted details into a row ready to be upserted: not downloaded, no id yet.
func NewDetail(d *movie.Details) Detail {
	return Detail{
		URL:        d.URL,
		ImdbID:     ptr(d.IMDbID),
		TitleGe:    ptr(d.Title.GE),
		TitleEn:    ptr(d.Title.EN),
		PosterLink: ptr(d.PosterLink),
		Genre:      d.Info.Genre.Ptr(),
		Studio:     d.Info.Studio.Ptr(),
		Year:       d.Info.Year.Ptr(),
		Directors:  d.Info.Directors.Ptr(),
		Length:     d.Info.Length.Ptr(),
		Countries:  d.Info.Countries.Ptr(),
		Budget:     d.Info.Budget.Ptr(),
		BoxOffice:  d.Info.BoxOffice.Ptr(),
		Plot:       d.Info.Plot.Ptr(),
		Actors:     Actors(d.Actors),
		APIURL:     ptr(d.APIURL),
	}
}

// Details converts the row back into the domain type.
func (d *Detail) Details() *movie.Details {
	return &movie.Details{
		URL:    d.URL,
		IMDbID: deref(d.ImdbID),
		Title: movie.Title{
			GE: deref(d.TitleGe),
			EN: deref(d.TitleEn),
		},
		PosterLink: deref(d.PosterLink),
		Info: movie.Info{
			Genre:     generic.FromPtr(d.Genre),
			Studio:    generic.FromPtr(d.Studio),
			Year:      generic.FromPtr(d.Year),
			Directors: generic.FromPtr(d.Directors),
			Length:    generic.FromPtr(d.Length),
			Countries: generic.FromPtr(d.Countries),
			Budget:    generic.FromPtr(d.Budget),
			BoxOffice: generic.FromPtr(d.BoxOffice),
			Plot:      generic.FromPtr(d.Plot),
		},
		Actors: []movie.Actor(d.Actors),
		APIURL: deref(d.APIURL),
	}
}

func ptr(s string) *string {
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// PendingDownload identifies a detail row that has not been downloaded yet.
type PendingDownload struct {
	ID     RowID  `gorm:"column:id"`
	APIURL string `gorm:"column:api_url"`
}

type Stats struct {
	Links           int64
	ProcessedLinks  int64
	Details         int64
	WithMediaURL    int64
	DownloadedFiles int64
}

// Actors is stored as a JSON array of {"name", "img"} objects.
type Actors []movie.Actor

func (a Actors) Value() (driver.Value, error) {
	if a == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]movie.Actor(a))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (a *Actors) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*a = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into Actors", src)
	}
	if len(raw) == 0 {
		*a = nil
		return nil
	}
	var actors []movie.Actor
	if err := json.Unmarshal(raw, &actors); err == nil {
		*a = actors
		return nil
	}
	// Older databases stored actors as [name, img] pairs.
	var pairs [][]string
	if err := json.Unmarshal(raw, &pairs); err != nil {
		return fmt.Errorf("failed to decode actors: %w", err)
	}
	actors = make([]movie.Actor, 0, len(pairs))
	for _, pair := range pairs {
		if len(pair) == 0 {
			continue
		}
		actor := movie.Actor{Name: pair[0]}
		if len(pair) > 1 {
			actor.Img = pair[1]
		}
		actors = append(actors, actor)
	}
	*a = actors
	return nil
}
