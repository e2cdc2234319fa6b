// Package lkclient adapts the LiveKit room and egress services to the
// interfaces the coordinator consumes.
package lkclient

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"time"

	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/twitchtv/twirp"

	"github.com/tariel-x/callsignal/internal/recording"
)

const (
	MaxNameLength    = 100
	roomEmptyTimeout = 30
	tokenValidFor    = 6 * time.Hour
)

var roomNameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

var (
	ErrInvalidRoomName        = errors.New("room name must be 1-100 characters of letters, digits, '_' or '-'")
	ErrInvalidParticipantName = errors.New("participant name must be 1-100 characters")
)

type Config struct {
	URL       string
	APIKey    string
	APISecret string

	// RecordingsPrefix is the object key prefix of recorded files.
	RecordingsPrefix string
	S3               S3Output
}

type S3Output struct {
	AccessKey      string
	Secret         string
	Bucket         string
	Region         string
	Endpoint       string
	ForcePathStyle bool
}

type Client struct {
	cfg    Config
	rooms  *lksdk.RoomServiceClient
	egress *lksdk.EgressClient
	nowFn  func() time.Time
}

func New(cfg Config) *Client {
	if cfg.RecordingsPrefix == "" {
		cfg.RecordingsPrefix = "recordings"
	}
	return &Client{
		cfg:    cfg,
		rooms:  lksdk.NewRoomServiceClient(cfg.URL, cfg.APIKey, cfg.APISecret),
		egress: lksdk.NewEgressClient(cfg.URL, cfg.APIKey, cfg.APISecret),
		nowFn:  time.Now,
	}
}

func ValidateRoomName(name string) error {
	if name == "" || len(name) > MaxNameLength || !roomNameRe.MatchString(name) {
		return ErrInvalidRoomName
	}
	return nil
}

func ValidateParticipantName(name string) error {
	if name == "" || len([]rune(name)) > MaxNameLength {
		return ErrInvalidParticipantName
	}
	return nil
}

// Token mints a join token for room.
func (c *Client) Token(room, identity, name string) (string, error) {
	at := auth.NewAccessToken(c.cfg.APIKey, c.cfg.APISecret)
	grant := &auth.VideoGrant{
		RoomJoin: true,
		Room:     room,
	}
	at.AddGrant(grant).
		SetIdentity(identity).
		SetName(name).
		SetValidFor(tokenValidFor)

	token, err := at.ToJWT()
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return token, nil
}

// CreateRoom makes sure room exists and is closed 30s after it empties.
func (c *Client) CreateRoom(ctx context.Context, room string) error {
	_, err := c.rooms.CreateRoom(ctx, &livekit.CreateRoomRequest{
		Name:         room,
		EmptyTimeout: roomEmptyTimeout,
	})
	if err != nil {
		return fmt.Errorf("create room %s: %w", room, mapError(err))
	}
	return nil
}

func (c *Client) LiveParticipants(ctx context.Context, room string) (int, bool, error) {
	res, err := c.rooms.ListRooms(ctx, &livekit.ListRoomsRequest{Names: []string{room}})
	if err != nil {
		return 0, false, fmt.Errorf("list rooms: %w", mapError(err))
	}
	for _, r := range res.GetRooms() {
		if r.GetName() == room {
			return int(r.GetNumParticipants()), true, nil
		}
	}
	return 0, false, nil
}

func (c *Client) ActiveRecordings(ctx context.Context, room string) ([]string, error) {
	items, err := c.listActive(ctx, room)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(items))
	for _, eg := range items {
		ids = append(ids, eg.ID)
	}
	return ids, nil
}

func (c *Client) AllActiveRecordings(ctx context.Context) ([]recording.Egress, error) {
	return c.listActive(ctx, "")
}

func (c *Client) listActive(ctx context.Context, room string) ([]recording.Egress, error) {
	res, err := c.egress.ListEgress(ctx, &livekit.ListEgressRequest{
		RoomName: room,
		Active:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("list egress: %w", mapError(err))
	}

	var out []recording.Egress
	for _, info := range res.GetItems() {
		if !isActive(info.GetStatus()) {
			continue
		}
		out = append(out, recording.Egress{ID: info.GetEgressId(), RoomName: info.GetRoomName()})
	}
	return out, nil
}

func (c *Client) StartRecording(ctx context.Context, room string) (string, error) {
	req := &livekit.RoomCompositeEgressRequest{
		RoomName: room,
		FileOutputs: []*livekit.EncodedFileOutput{{
			FileType: livekit.EncodedFileType_MP4,
			Filepath: c.recordingPath(room),
			Output: &livekit.EncodedFileOutput_S3{
				S3: &livekit.S3Upload{
					AccessKey:      c.cfg.S3.AccessKey,
					Secret:         c.cfg.S3.Secret,
					Bucket:         c.cfg.S3.Bucket,
					Region:         c.cfg.S3.Region,
					Endpoint:       c.cfg.S3.Endpoint,
					ForcePathStyle: c.cfg.S3.ForcePathStyle,
				},
			},
		}},
	}

	info, err := c.egress.StartRoomCompositeEgress(ctx, req)
	if err != nil {
		return "", fmt.Errorf("start egress for %s: %w", room, mapError(err))
	}
	return info.GetEgressId(), nil
}

func (c *Client) StopRecording(ctx context.Context, egressID string) error {
	_, err := c.egress.StopEgress(ctx, &livekit.StopEgressRequest{EgressId: egressID})
	if err != nil {
		return fmt.Errorf("stop egress %s: %w", egressID, mapError(err))
	}
	return nil
}

func (c *Client) recordingPath(room string) string {
	return path.Join(c.cfg.RecordingsPrefix, fmt.Sprintf("%s-%d.mp4", room, c.nowFn().UnixMilli()))
}

func isActive(s livekit.EgressStatus) bool {
	return s == livekit.EgressStatus_EGRESS_STARTING || s == livekit.EgressStatus_EGRESS_ACTIVE
}

// mapError turns twirp codes the orchestrator cares about into its sentinels.
func mapError(err error) error {
	var terr twirp.Error
	if !errors.As(err, &terr) {
		return err
	}
	switch terr.Code() {
	case twirp.AlreadyExists:
		return fmt.Errorf("%w: %s", recording.ErrAlreadyRecording, terr.Msg())
	case twirp.NotFound, twirp.FailedPrecondition:
		return fmt.Errorf("%w: %s", recording.ErrRecordingNotFound, terr.Msg())
	}
	return err
}
