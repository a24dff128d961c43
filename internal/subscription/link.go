package subscription

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"pingx/internal/models"
	"pingx/internal/pkg/utils"
)

// LinkMode selects how ResolveLink finds the subscription link.
type LinkMode string

const (
	// LinkLocal uses what is stored on the purchase.
	LinkLocal LinkMode = "local"
	// LinkPanel re-reads the client to pick up a sub id rotated on the panel.
	LinkPanel LinkMode = "panel"
	// LinkRotate issues a new sub id, invalidating the old link.
	LinkRotate LinkMode = "rotate"
)

// ParseLinkMode maps a user-supplied string to a mode, defaulting to local.
func ParseLinkMode(s string) LinkMode {
	switch LinkMode(strings.ToLower(strings.TrimSpace(s))) {
	case LinkPanel:
		return LinkPanel
	case LinkRotate:
		return LinkRotate
	default:
		return LinkLocal
	}
}

// BuildSubscribeURL renders scheme://host:port/path/subID from the SUB_*
// settings. The host falls back to the panel host.
func (s *Service) BuildSubscribeURL(subID string) string {
	set := s.repos.Setting
	scheme := set.GetOr(models.SettingSubScheme, "https")
	host := set.GetOr(models.SettingSubHost, "")
	if host == "" && s.PanelEnabled() {
		host = s.panel.Host()
	}
	if host == "" {
		host = "localhost"
	}
	path := set.GetOr(models.SettingSubPath, "/sub/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	hostPort := host
	if port, err := strconv.Atoi(strings.TrimSpace(set.GetOr(models.SettingSubPort, ""))); err == nil && port > 0 {
		hostPort = host + ":" + strconv.Itoa(port)
	}
	return fmt.Sprintf("%s://%s%s%s", scheme, hostPort, path, subID)
}

// PurchaseForUser loads a purchase and checks that userID owns it.
// A zero userID skips the ownership check.
func (s *Service) PurchaseForUser(userID int64, purchaseID uint) (*models.Purchase, error) {
	p, err := s.repos.Purchase.FindByID(purchaseID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPurchaseNotFound
	}
	if err != nil {
		return nil, err
	}
	if userID != 0 && p.UserID != userID {
		return nil, ErrForbidden
	}
	return p, nil
}

// ResolveLink returns the subscription link of p according to mode and
// persists any sub id change on p.
func (s *Service) ResolveLink(ctx context.Context, p *models.Purchase, mode LinkMode) (string, error) {
	switch mode {
	case LinkRotate:
		return s.rotateLink(ctx, p)
	case LinkPanel:
		if !s.PanelEnabled() || p.ClientID == "" {
			return s.localLink(p)
		}
		client, err := s.panel.GetClient(ctx, p.InboundID, p.ClientID, p.ClientEmail)
		if err != nil {
			s.logger.Warn("Panel lookup failed, using stored link",
				zap.Uint("purchase_id", p.ID), zap.Error(err))
			return s.localLink(p)
		}
		if client.SubID == "" {
			return s.localLink(p)
		}
		link := s.BuildSubscribeURL(client.SubID)
		if client.SubID != p.SubID || link != p.SubLink {
			if err := s.storeLink(p, client.SubID, link); err != nil {
				return "", err
			}
		}
		return link, nil
	default:
		return s.localLink(p)
	}
}

func (s *Service) localLink(p *models.Purchase) (string, error) {
	if p.SubID != "" {
		return s.BuildSubscribeURL(p.SubID), nil
	}
	if p.SubLink != "" {
		return p.SubLink, nil
	}
	return "", ErrNoLink
}

func (s *Service) rotateLink(ctx context.Context, p *models.Purchase) (string, error) {
	if !s.PanelEnabled() {
		return "", ErrPanelUnavailable
	}
	if p.ClientID == "" {
		return "", ErrNoLink
	}
	unlock, err := s.lock(ctx, p.UserID, p.InboundID)
	if err != nil {
		return "", err
	}
	defer unlock()

	subID, err := s.panel.RotateSubID(ctx, p.InboundID, p.ClientID)
	if err != nil {
		return "", fmt.Errorf("rotate sub id: %w", err)
	}
	link := s.BuildSubscribeURL(subID)
	if err := s.storeLink(p, subID, link); err != nil {
		return "", err
	}
	s.audit(p.UserID, "link_rotate", map[string]interface{}{"purchase_id": p.ID})
	return link, nil
}

func (s *Service) storeLink(p *models.Purchase, subID, link string) error {
	if err := s.repos.Purchase.UpdateSubLink(p.ID, subID, link); err != nil {
		return fmt.Errorf("store link for purchase %d: %w", p.ID, err)
	}
	p.SubID = subID
	p.SubLink = link
	return nil
}

// RefreshUsage reads live traffic for p and writes the usage cache row.
// When the panel reports no quota but the purchase allocated one, the
// allocation is used as the total.
func (s *Service) RefreshUsage(ctx context.Context, p *models.Purchase) (*models.UsageCache, error) {
	if !s.PanelEnabled() {
		return nil, ErrPanelUnavailable
	}
	st, err := s.panel.GetClientStats(ctx, p.InboundID, p.ClientID, p.ClientEmail)
	if err != nil {
		return nil, fmt.Errorf("stats for purchase %d: %w", p.ID, err)
	}
	total := st.Total
	if total <= 0 && p.AllocatedGB > 0 {
		total = int64(p.AllocatedGB) * utils.GiB
	}
	expiry := st.ExpiryTime
	if expiry == 0 {
		expiry = p.ExpiryMS
	}
	row := &models.UsageCache{
		PurchaseID: p.ID,
		Up:         st.Up,
		Down:       st.Down,
		Total:      total,
		ExpiryMS:   expiry,
		UpdatedAt:  s.now(),
	}
	if err := s.repos.Usage.Upsert(row); err != nil {
		return nil, fmt.Errorf("cache usage for purchase %d: %w", p.ID, err)
	}
	return row, nil
}

// Usage returns the cached usage row of a purchase, or nil.
func (s *Service) Usage(purchaseID uint) (*models.UsageCache, error) {
	return s.repos.Usage.Get(purchaseID)
}
