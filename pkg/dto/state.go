package dto

/**
  {
      "user_id": "7",
      "state": "mining",
      "balance": 12.3457,
      "balance_text": "12.3457",
      "balance_usd": "$49.38",
      "base_speed": 0.015,
      "boost_speed": 0.005,
      "referral_speed": 0,
      "total_speed": 0.02,
      "total_speed_text": "0.020/h",
      "mining_end_time": "2026-03-02T12:00:00Z",
      "countdown": "23:59:59",
      "boost_task": "not_started",
      "total_referrals": 3,
      "active_referrals": 1
  }
*/

type State struct {
	UserID          string  `json:"user_id"`
	State           string  `json:"state"`
	Balance         float64 `json:"balance"`
	BalanceText     string  `json:"balance_text"`
	BalanceUSD      string  `json:"balance_usd"`
	BaseSpeed       float64 `json:"base_speed"`
	BoostSpeed      float64 `json:"boost_speed"`
	ReferralSpeed   float64 `json:"referral_speed"`
	TotalSpeed      float64 `json:"total_speed"`
	TotalSpeedText  string  `json:"total_speed_text"`
	MiningEndTime   *string `json:"mining_end_time,omitempty"`
	Countdown       string  `json:"countdown"`
	BoostTask       string  `json:"boost_task"`
	TotalReferrals  int64   `json:"total_referrals"`
	ActiveReferrals int64   `json:"active_referrals"`
}
