// Package datalayer describes the venue backend the race-control engine
// depends on. Transport details live in the implementations.
package datalayer

import (
	"context"
	"errors"
	"time"

	"github.com/mpapenbr/kartrace-service-manager-go/pkg/model"
)

var (
	ErrCartUnavailable = errors.New("cart unavailable")
	ErrNotFound        = errors.New("not found")
)

type StartResult struct {
	ExpectedEndTime time.Time
}

type DataLayer interface {
	CartWriter
	RaceWriter
	Reader
}

type CartWriter interface {
	AssignCart(ctx context.Context, mappingID, cartID int) error
	UnassignCart(ctx context.Context, mappingID int) error
	// destructive, bypasses the in-progress guard of the backend
	ForceUnassignCart(ctx context.Context, cartID int) error
}

type RaceWriter interface {
	StartRace(ctx context.Context, userID, groupID int, mappingID *int) (*StartResult, error)
	EndRace(ctx context.Context, userID, groupID int, mappingID *int) error
	RecordLap(ctx context.Context, groupID, userID int, lap model.Lap) error
}

type Reader interface {
	GetLiveLeaderboard(ctx context.Context, sessionID int) (*model.LiveLeaderboard, error)
	GetActiveGroupUsers(ctx context.Context) ([]*model.GroupUserMapping, error)
	GetCarts(ctx context.Context) ([]*model.Cart, error)
	GetSession(ctx context.Context, sessionID int) (*model.Session, error)
	GetGroup(ctx context.Context, groupID int) (*model.Group, error)
	GetUser(ctx context.Context, userID int) (*model.User, error)
}
