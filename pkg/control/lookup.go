package control

import (
	"context"
	"fmt"

	"github.com/samber/lo"

	"github.com/mpapenbr/kartrace-service-manager-go/pkg/model"
)

// nameLookup resolves leaderboard display names through the caches.
// Unresolvable names fall back to the ID.
type nameLookup struct {
	ctx   context.Context
	s     *Service
	carts map[int]*model.Cart
}

func (s *Service) lookup(ctx context.Context) *nameLookup {
	return &nameLookup{
		ctx: ctx,
		s:   s,
		carts: lo.KeyBy(s.coord.Carts(), func(c *model.Cart) int {
			return c.ID
		}),
	}
}

func (n *nameLookup) UserName(userID int) string {
	if u, err := n.s.users.Get(n.ctx, userID); err == nil {
		return u.Name
	}
	return fmt.Sprintf("user %d", userID)
}

func (n *nameLookup) CartName(cartID int) string {
	if c, ok := n.carts[cartID]; ok {
		return c.Name
	}
	return fmt.Sprintf("cart %d", cartID)
}

func (n *nameLookup) GroupName(groupID int) string {
	if g, err := n.s.groups.Get(n.ctx, groupID); err == nil {
		return g.Name
	}
	return fmt.Sprintf("group %d", groupID)
}
