package subscription

import (
	"pingx/internal/models"
)

// Register creates the user or refreshes the profile fields and returns the
// stored row.
func (s *Service) Register(userID int64, username, firstName, lastName string) (*models.User, error) {
	u := &models.User{ID: userID, Username: username, FirstName: firstName, LastName: lastName}
	if err := s.repos.User.Upsert(u); err != nil {
		return nil, err
	}
	return s.repos.User.FindByID(userID)
}

// Purchases lists purchases newest first. userID 0 lists every user.
func (s *Service) Purchases(userID int64, limit, page int) ([]models.Purchase, int64, error) {
	return s.repos.Purchase.ListByUser(userID, limit, page)
}

// TopUps lists top-up requests with the given status; "" lists all.
func (s *Service) TopUps(status string, limit, page int) ([]models.TopUp, int64, error) {
	return s.repos.TopUp.FindByStatus(status, limit, page)
}

// Template returns a message template setting, def when unset.
func (s *Service) Template(key, def string) string {
	return s.repos.Setting.GetOr(key, def)
}

// SupportIDs returns the chat ids that receive top-up requests: the
// SUPPORT_IDS setting, else the admins.
func (s *Service) SupportIDs() []int64 {
	if ids := s.repos.Setting.IDList(models.SettingSupportIDs); len(ids) > 0 {
		return ids
	}
	ids := append([]int64(nil), s.cfg.AdminIDs...)
	return append(ids, s.repos.Setting.IDList(models.SettingAdminIDs)...)
}
