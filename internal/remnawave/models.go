package remnawave

type CreateUserRequest struct {
	Username             string   `json:"username"`
	Status               string   `json:"status"`
	TrafficLimitBytes    int64    `json:"trafficLimitBytes"`
	TrafficLimitStrategy string   `json:"trafficLimitStrategy"`
	ExpireAt             string   `json:"expireAt"` // RFC 3339
	TelegramID           int64    `json:"telegramId,omitempty"`
	Description          string   `json:"description,omitempty"`
	ActiveInternalSquads []string `json:"activeInternalSquads,omitempty"`
}

// UserResponse keeps the fields a grant needs: the user id to delete on
// revoke and the subscription URL handed to the client.
type UserResponse struct {
	UUID            string `json:"uuid"`
	Username        string `json:"username"`
	ExpireAt        string `json:"expireAt"`
	SubscriptionURL string `json:"subscriptionUrl"`
}

// APIResponse is the panel's response envelope.
type APIResponse struct {
	Response UserResponse `json:"response"`
}
