package presence

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/tariel-x/callsignal/internal/models"
)

const (
	directoryTTL  = 5 * time.Hour
	directorySize = 1024
)

// UserInfo is the public part of a user document.
type UserInfo struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoUrl,omitempty"`
	IsBusy      bool   `json:"isBusy"`
}

type UserSource interface {
	GetUser(ctx context.Context, userID string) (models.User, error)
}

// BusySource reads the flag the Updater writes.
type BusySource interface {
	IsBusy(ctx context.Context, userID string) (bool, error)
}

type profile struct {
	DisplayName string
	PhotoURL    string
}

// Directory answers user lookups. Display name and photo are cached; the busy
// flag is read from busy on every lookup. Guests are answered without touching
// either source.
type Directory struct {
	source UserSource
	busy   BusySource
	cache  *expirable.LRU[string, profile]
}

func NewDirectory(source UserSource, busy BusySource) *Directory {
	return &Directory{
		source: source,
		busy:   busy,
		cache:  expirable.NewLRU[string, profile](directorySize, nil, directoryTTL),
	}
}

func (d *Directory) Lookup(ctx context.Context, userID string) (UserInfo, error) {
	if strings.HasPrefix(userID, GuestPrefix) {
		return UserInfo{UserID: userID, DisplayName: "Guest"}, nil
	}

	p, ok := d.cache.Get(userID)
	if !ok {
		if d.source == nil {
			return UserInfo{}, ErrUserNotFound
		}
		u, err := d.source.GetUser(ctx, userID)
		if err != nil {
			if errors.Is(err, ErrUserNotFound) {
				return UserInfo{}, ErrUserNotFound
			}
			return UserInfo{}, err
		}
		p = profile{DisplayName: u.DisplayName, PhotoURL: u.PhotoURL}
		if p.DisplayName == "" {
			p.DisplayName = "User"
		}
		d.cache.Add(userID, p)
	}

	info := UserInfo{UserID: userID, DisplayName: p.DisplayName, PhotoURL: p.PhotoURL}
	if d.busy != nil {
		busy, err := d.busy.IsBusy(ctx, userID)
		if err != nil && !errors.Is(err, ErrUserNotFound) {
			return UserInfo{}, err
		}
		info.IsBusy = busy
	}
	return info, nil
}

// Forget drops the cached profile, e.g. after the display name changed.
func (d *Directory) Forget(userID string) {
	d.cache.Remove(userID)
}
