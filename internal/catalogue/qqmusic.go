package catalogue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hszk-dev/tunecast/internal/domain/model"
)

// qqPlayLogPrefix namespaces qq ids in play logs so they never collide
// with netease's numeric ids.
const qqPlayLogPrefix = "qq:"

// QQMusic resolves tracks and playlists through a qq-music-api service.
// Track ids are alphanumeric song mids.
type QQMusic struct {
	baseURL      string
	client       *http.Client
	defaultCover string
}

var _ Catalogue = (*QQMusic)(nil)

func NewQQMusic(baseURL string, timeout time.Duration, defaultCover string) *QQMusic {
	return &QQMusic{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       &http.Client{Timeout: timeout},
		defaultCover: defaultCover,
	}
}

func (q *QQMusic) Source() model.Source {
	return model.SourceQQ
}

type qqSongURLResponse struct {
	Result int               `json:"result"`
	Data   map[string]string `json:"data"`
}

func (q *QQMusic) ResolveTrackURL(ctx context.Context, trackID, credential string) (string, error) {
	if !model.ValidTrackID(model.SourceQQ, trackID) {
		return "", fmt.Errorf("%w: %q", model.ErrInvalidTrackID, trackID)
	}

	endpoint := fmt.Sprintf("%s/song/urls?id=%s", q.baseURL, url.QueryEscape(trackID))
	var resp qqSongURLResponse
	if err := q.getJSON(ctx, endpoint, credential, &resp); err != nil {
		return "", err
	}
	songURL := resp.Data[trackID]
	if resp.Result != 100 || songURL == "" {
		return "", fmt.Errorf("%w: qq track %s", ErrTrackUnavailable, trackID)
	}
	return songURL, nil
}

type qqPlaylistResponse struct {
	Result int `json:"result"`
	Data   struct {
		Dissname string `json:"dissname"`
		Logo     string `json:"logo"`
		Songnum  int    `json:"songnum"`
		Songlist []struct {
			Songmid  string `json:"songmid"`
			Songname string `json:"songname"`
			Interval int    `json:"interval"` // duration in seconds
			Albummid string `json:"albummid"`
			Singer   []struct {
				Name string `json:"name"`
			} `json:"singer"`
		} `json:"songlist"`
	} `json:"data"`
}

func (q *QQMusic) ResolvePlaylist(ctx context.Context, playlistID, credential string) (*model.Playlist, error) {
	if !model.ValidPlaylistID(playlistID) {
		return nil, fmt.Errorf("%w: %q", model.ErrInvalidPlaylistID, playlistID)
	}

	endpoint := fmt.Sprintf("%s/songlist?id=%s", q.baseURL, url.QueryEscape(playlistID))
	var resp qqPlaylistResponse
	if err := q.getJSON(ctx, endpoint, credential, &resp); err != nil {
		return nil, err
	}
	if resp.Result != 100 || len(resp.Data.Songlist) == 0 {
		return nil, fmt.Errorf("%w: qq playlist %s", ErrPlaylistNotFound, playlistID)
	}

	playlist := &model.Playlist{
		ID:        playlistID,
		Name:      resp.Data.Dissname,
		Cover:     resp.Data.Logo,
		SongCount: resp.Data.Songnum,
		Tracks:    make([]model.Track, 0, len(resp.Data.Songlist)),
	}
	for _, s := range resp.Data.Songlist {
		artists := make([]string, 0, len(s.Singer))
		for _, a := range s.Singer {
			if a.Name != "" {
				artists = append(artists, a.Name)
			}
		}
		playlist.Tracks = append(playlist.Tracks, model.Track{
			ID:       s.Songmid,
			Name:     s.Songname,
			Artist:   strings.Join(artists, " / "),
			Duration: s.Interval,
			Cover:    qqAlbumCover(s.Albummid),
		})
	}
	return playlist, nil
}

// qqAlbumCover builds the static album art URL for an album mid.
func qqAlbumCover(albummid string) string {
	if albummid == "" {
		return ""
	}
	return fmt.Sprintf("https://y.gtimg.cn/music/photo_new/T002R800x800M000%s.jpg", albummid)
}

func (q *QQMusic) TrackCoverURL(track model.Track) string {
	if track.Cover == "" {
		return q.defaultCover
	}
	return track.Cover
}

func (q *QQMusic) PlayLogTrackID(trackID string) string {
	return qqPlayLogPrefix + trackID
}

func (q *QQMusic) PlayLogPlaylistID(playlistID string) string {
	return qqPlayLogPrefix + playlistID
}

func (q *QQMusic) getJSON(ctx context.Context, endpoint, credential string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if credential != "" {
		req.Header.Set("Cookie", credential)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: HTTP %d from %s", ErrUpstream, resp.StatusCode, endpoint)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrUpstream, err)
	}
	return nil
}
