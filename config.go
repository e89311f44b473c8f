package movie_archiver

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"text/template"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/alanbriolat/movie-archiver/util"
)

const EnvPrefix = "MOVIE_ARCHIVER"

var ErrInvalidConfig = errors.New("invalid configuration")

// RefreshPolicy decides which links the extraction stage visits.
type RefreshPolicy string

const (
	// RefreshAll clears every processed flag before extracting, so all known links are revisited.
	RefreshAll RefreshPolicy = "all"
	// RefreshNew only visits links that have never been processed.
	RefreshNew RefreshPolicy = "new"
)

type Config struct {
	ListingURLTemplate string        `mapstructure:"listing_url_template"`
	Hostname           string        `mapstructure:"hostname"`
	MaxPages           int           `mapstructure:"max_pages"`
	PageDelay          time.Duration `mapstructure:"page_delay"`
	UserAgents         []string      `mapstructure:"user_agents"`
	DNSServers         []string      `mapstructure:"dns_servers"`
	DNSTimeout         time.Duration `mapstructure:"dns_timeout"`

	DatabasePath       string            `mapstructure:"database_path"`
	DownloadDir        string            `mapstructure:"download_dir"`
	TargetFileTemplate string            `mapstructure:"target_file_template"`
	DownloadHeaders    map[string]string `mapstructure:"download_headers"`
	ChunkSize          int               `mapstructure:"chunk_size"`
	HTTPTimeout        time.Duration     `mapstructure:"http_timeout"`

	RefreshPolicy   RefreshPolicy `mapstructure:"refresh_policy"`
	RequireMediaURL bool          `mapstructure:"require_media_url"`
	MediaMarkers    []string      `mapstructure:"media_markers"`
	PlayerSelector  string        `mapstructure:"player_selector"`
	Headless        bool          `mapstructure:"headless"`
	InstallBrowsers bool          `mapstructure:"install_browsers"`

	ListingWaitTimeout time.Duration `mapstructure:"listing_wait_timeout"`
	NavigationTimeout  time.Duration `mapstructure:"navigation_timeout"`
	PlayerWaitTimeout  time.Duration `mapstructure:"player_wait_timeout"`
	FrameLoadTimeout   time.Duration `mapstructure:"frame_load_timeout"`
	PlayerPause        time.Duration `mapstructure:"player_pause"`
	TapTimeout         time.Duration `mapstructure:"tap_timeout"`
	PlayerSettle       time.Duration `mapstructure:"player_settle"`
}

// NewConfig returns the built-in defaults.
func NewConfig() *Config {
	return &Config{
		ListingURLTemplate: "https://ge.movie/filter-movies?search=&type=movie&languages=ka&imdb=6;10.0&year=2025;2027&page={page}",
		Hostname:           "ge.movie",
		MaxPages:           50,
		PageDelay:          10 * time.Second,
		UserAgents: []string{
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4.1 Safari/605.1.15",
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:132.0) Gecko/20100101 Firefox/132.0",
			"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36 Vivaldi/7.0.3495.18",
		},
		DNSServers: []string{"1.1.1.1", "1.0.0.1"},
		DNSTimeout: 10 * time.Second,

		DatabasePath:       "movies.db",
		DownloadDir:        "downloads",
		TargetFileTemplate: "{{.ID}}{{.Ext}}",
		DownloadHeaders: map[string]string{
			"Referer": "https://ge.movie/",
			"Range":   "bytes=0-",
		},
		ChunkSize:   DefaultChunkSize,
		HTTPTimeout: 30 * time.Second,

		RefreshPolicy:   RefreshAll,
		RequireMediaURL: false,
		MediaMarkers:    []string{"cd", "GEO", "SD"},
		PlayerSelector:  `iframe[src*="player.php"]`,
		Headless:        true,
		InstallBrowsers: false,

		ListingWaitTimeout: 15 * time.Second,
		NavigationTimeout:  90 * time.Second,
		PlayerWaitTimeout:  30 * time.Second,
		FrameLoadTimeout:   20 * time.Second,
		PlayerPause:        2 * time.Second,
		TapTimeout:         10 * time.Second,
		PlayerSettle:       25 * time.Second,
	}
}

// LoadConfig layers an optional config file, a .env file in the working directory and MOVIE_ARCHIVER_* environment
// variables over the defaults. Durations are written as Go duration strings, e.g. "10s".
func LoadConfig(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v, NewConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %v: %w", path, err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func setDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("listing_url_template", c.ListingURLTemplate)
	v.SetDefault("hostname", c.Hostname)
	v.SetDefault("max_pages", c.MaxPages)
	v.SetDefault("page_delay", c.PageDelay)
	v.SetDefault("user_agents", c.UserAgents)
	v.SetDefault("dns_servers", c.DNSServers)
	v.SetDefault("dns_timeout", c.DNSTimeout)
	v.SetDefault("database_path", c.DatabasePath)
	v.SetDefault("download_dir", c.DownloadDir)
	v.SetDefault("target_file_template", c.TargetFileTemplate)
	v.SetDefault("download_headers", c.DownloadHeaders)
	v.SetDefault("chunk_size", c.ChunkSize)
	v.SetDefault("http_timeout", c.HTTPTimeout)
	v.SetDefault("refresh_policy", string(c.RefreshPolicy))
	v.SetDefault("require_media_url", c.RequireMediaURL)
	v.SetDefault("media_markers", c.MediaMarkers)
	v.SetDefault("player_selector", c.PlayerSelector)
	v.SetDefault("headless", c.Headless)
	v.SetDefault("install_browsers", c.InstallBrowsers)
	v.SetDefault("listing_wait_timeout", c.ListingWaitTimeout)
	v.SetDefault("navigation_timeout", c.NavigationTimeout)
	v.SetDefault("player_wait_timeout", c.PlayerWaitTimeout)
	v.SetDefault("frame_load_timeout", c.FrameLoadTimeout)
	v.SetDefault("player_pause", c.PlayerPause)
	v.SetDefault("tap_timeout", c.TapTimeout)
	v.SetDefault("player_settle", c.PlayerSettle)
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var result *multierror.Error
	fail := func(format string, args ...any) {
		result = multierror.Append(result, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}
	if c.ListingURLTemplate == "" {
		fail("listing_url_template is empty")
	}
	if c.Hostname == "" {
		fail("hostname is empty")
	}
	if c.MaxPages < 1 {
		fail("max_pages must be at least 1, got %d", c.MaxPages)
	}
	if c.PageDelay < 0 {
		fail("page_delay must not be negative")
	}
	if len(c.UserAgents) == 0 {
		fail("user_agents is empty")
	}
	if c.DatabasePath == "" {
		fail("database_path is empty")
	}
	if c.ChunkSize < 1 {
		fail("chunk_size must be positive, got %d", c.ChunkSize)
	}
	switch c.RefreshPolicy {
	case RefreshAll, RefreshNew:
	default:
		fail("refresh_policy must be %q or %q, got %q", RefreshAll, RefreshNew, c.RefreshPolicy)
	}
	if c.PlayerSelector == "" {
		fail("player_selector is empty")
	}
	if _, err := c.targetFileTemplate(); err != nil {
		fail("target_file_template: %v", err)
	}
	return result.ErrorOrNil()
}

// ListingURL returns the URL of a listing page, numbered from 1.
func (c *Config) ListingURL(page int) string {
	n := strconv.Itoa(page)
	switch {
	case strings.Contains(c.ListingURLTemplate, "{page}"):
		return strings.ReplaceAll(c.ListingURLTemplate, "{page}", n)
	case strings.Contains(c.ListingURLTemplate, "{}"):
		return strings.ReplaceAll(c.ListingURLTemplate, "{}", n)
	case strings.Contains(c.ListingURLTemplate, "%d"):
		return strings.ReplaceAll(c.ListingURLTemplate, "%d", n)
	default:
		return c.ListingURLTemplate + n
	}
}

type TargetFileArgs struct {
	ID  int64
	URL string
	Ext string
}

func (c *Config) targetFileTemplate() (*template.Template, error) {
	return template.New("target_file").Option("missingkey=error").Parse(c.TargetFileTemplate)
}

// TargetPath returns where the media for a detail row should be saved.
func (c *Config) TargetPath(id int64, mediaURL string) (string, error) {
	tmpl, err := c.targetFileTemplate()
	if err != nil {
		return "", err
	}
	args := TargetFileArgs{
		ID:  id,
		URL: mediaURL,
		Ext: util.ExtensionFromURLString(mediaURL, ".mp4"),
	}
	builder := strings.Builder{}
	if err := tmpl.Execute(&builder, &args); err != nil {
		return "", fmt.Errorf("failed to render target path: %w", err)
	}
	name := builder.String()
	if name == "" || strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("invalid target file name %q", name)
	}
	return filepath.Join(c.DownloadDir, name), nil
}

// IdentityPool hands out client identity strings round-robin.
type IdentityPool struct {
	agents []string
	next   atomic.Uint64
}

func NewIdentityPool(agents []string) *IdentityPool {
	return &IdentityPool{agents: agents}
}

// Next returns the next identity, or "" if the pool is empty.
func (p *IdentityPool) Next() string {
	if len(p.agents) == 0 {
		return ""
	}
	i := p.next.Add(1) - 1
	return p.agents[i%uint64(len(p.agents))]
}
