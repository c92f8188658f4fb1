package dto

/**
  [
      {
          "id": "8",
          "name": "Bob",
          "username": "bob",
          "photo_url": "https://t.me/i/8.jpg",
          "joined_at": "2026-03-01T12:00:00Z",
          "mining": true,
          "boost_given": 0.005,
          "boost_given_text": "+0.005/h"
      }
  ]
*/

type Friend struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username,omitempty"`
	PhotoURL string `json:"photo_url,omitempty"`
	JoinedAt string `json:"joined_at"`
	Mining   bool   `json:"mining"`

	BoostGiven     float64 `json:"boost_given"`
	BoostGivenText string  `json:"boost_given_text,omitempty"`
}

/**
  {
      "link": "https://t.me/bita_mining_bot/app?startapp=7",
      "total_referrals": 3
  }
*/

type Invite struct {
	Link           string `json:"link"`
	TotalReferrals int64  `json:"total_referrals"`
}
