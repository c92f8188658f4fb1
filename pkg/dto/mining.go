package dto

/**
  {
      "save_balance": false
  }
*/

type StopRequest struct {
	SaveBalance *bool `json:"save_balance,omitempty"`
}

// Save defaults to true when the field is omitted.
func (r StopRequest) Save() bool {
	return r.SaveBalance == nil || *r.SaveBalance
}

/**
  {
      "state": "started",
      "community_url": "https://t.me/Bita_Community"
  }
*/

type BoostTask struct {
	State        string `json:"state"`
	CommunityURL string `json:"community_url,omitempty"`
}
