package catalogue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hszk-dev/tunecast/internal/domain/model"
)

// Netease resolves tracks and playlists through a NeteaseCloudMusicApi
// service.
type Netease struct {
	baseURL      string
	client       *http.Client
	defaultCover string
}

var _ Catalogue = (*Netease)(nil)

func NewNetease(baseURL string, timeout time.Duration, defaultCover string) *Netease {
	return &Netease{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       &http.Client{Timeout: timeout},
		defaultCover: defaultCover,
	}
}

func (n *Netease) Source() model.Source {
	return model.SourceNetease
}

type neteaseSongURLResponse struct {
	Code int `json:"code"`
	Data []struct {
		URL string `json:"url"`
	} `json:"data"`
}

func (n *Netease) ResolveTrackURL(ctx context.Context, trackID, credential string) (string, error) {
	if !model.ValidTrackID(model.SourceNetease, trackID) {
		return "", fmt.Errorf("%w: %q", model.ErrInvalidTrackID, trackID)
	}

	endpoint := fmt.Sprintf("%s/song/url/v1?id=%s&level=exhigh", n.baseURL, url.QueryEscape(trackID))
	var resp neteaseSongURLResponse
	if err := n.getJSON(ctx, endpoint, credential, &resp); err != nil {
		return "", err
	}
	if resp.Code != 200 || len(resp.Data) == 0 || resp.Data[0].URL == "" {
		return "", fmt.Errorf("%w: netease track %s", ErrTrackUnavailable, trackID)
	}
	return resp.Data[0].URL, nil
}

type neteasePlaylistResponse struct {
	Code     int `json:"code"`
	Playlist struct {
		ID          int64  `json:"id"`
		Name        string `json:"name"`
		CoverImgURL string `json:"coverImgUrl"`
		TrackCount  int    `json:"trackCount"`
		Tracks      []struct {
			ID   int64  `json:"id"`
			Name string `json:"name"`
			Dt   int64  `json:"dt"` // duration in ms
			Ar   []struct {
				Name string `json:"name"`
			} `json:"ar"`
			Al struct {
				PicURL string `json:"picUrl"`
			} `json:"al"`
		} `json:"tracks"`
	} `json:"playlist"`
}

func (n *Netease) ResolvePlaylist(ctx context.Context, playlistID, credential string) (*model.Playlist, error) {
	if !model.ValidPlaylistID(playlistID) {
		return nil, fmt.Errorf("%w: %q", model.ErrInvalidPlaylistID, playlistID)
	}

	endpoint := fmt.Sprintf("%s/playlist/detail?id=%s", n.baseURL, url.QueryEscape(playlistID))
	var resp neteasePlaylistResponse
	if err := n.getJSON(ctx, endpoint, credential, &resp); err != nil {
		return nil, err
	}
	if resp.Code != 200 || resp.Playlist.ID == 0 {
		return nil, fmt.Errorf("%w: netease playlist %s", ErrPlaylistNotFound, playlistID)
	}

	playlist := &model.Playlist{
		ID:        playlistID,
		Name:      resp.Playlist.Name,
		Cover:     resp.Playlist.CoverImgURL,
		SongCount: resp.Playlist.TrackCount,
		Tracks:    make([]model.Track, 0, len(resp.Playlist.Tracks)),
	}
	for _, t := range resp.Playlist.Tracks {
		artists := make([]string, 0, len(t.Ar))
		for _, a := range t.Ar {
			if a.Name != "" {
				artists = append(artists, a.Name)
			}
		}
		playlist.Tracks = append(playlist.Tracks, model.Track{
			ID:       strconv.FormatInt(t.ID, 10),
			Name:     t.Name,
			Artist:   strings.Join(artists, " / "),
			Duration: int(t.Dt / 1000),
			Cover:    t.Al.PicURL,
		})
	}
	return playlist, nil
}

func (n *Netease) TrackCoverURL(track model.Track) string {
	if track.Cover == "" {
		return n.defaultCover
	}
	return OptimizeNeteaseCover(track.Cover)
}

func (n *Netease) PlayLogTrackID(trackID string) string {
	return trackID
}

func (n *Netease) PlayLogPlaylistID(playlistID string) string {
	return playlistID
}

func (n *Netease) getJSON(ctx context.Context, endpoint, credential string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if credential != "" {
		req.Header.Set("Cookie", credential)
	}

	resp, err := n.client.Do(req)
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
