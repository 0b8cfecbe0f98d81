package webhook

// interactivePayload is the button-click callback. The platform posts it
// form-encoded under a "payload" field.
type interactivePayload struct {
	Type string `json:"type"`
	User struct {
		ID   string `json:"id"`
		Name string `json:"name,omitempty"`
	} `json:"user"`
	Actions []struct {
		ActionID string `json:"action_id"`
		Value    string `json:"value"`
	} `json:"actions"`
}

// eventPayload is the event-subscription envelope. Only url_verification
// is acted on; every other event type is logged and acknowledged.
type eventPayload struct {
	Type      string `json:"type"`
	Challenge string `json:"challenge,omitempty"`
	Event     struct {
		Type string `json:"type"`
	} `json:"event,omitempty"`
}

// pendingResponse is the introspection shape for pending approvals.
type pendingResponse struct {
	Count    int           `json:"count"`
	Pending  []pendingItem `json:"pending"`
	Sessions []string      `json:"sessions,omitempty"`
}

type pendingItem struct {
	ID            string `json:"id"`
	SessionID     string `json:"sessionId"`
	ChannelID     string `json:"channelId,omitempty"`
	Command       string `json:"command"`
	Risk          string `json:"risk,omitempty"`
	CreatedAt     string `json:"createdAt"`
	ReminderCount int    `json:"reminderCount"`
}

// callbackRegistration registers an out-of-process waiter: the dispatcher
// POSTs the Resolution JSON to URL once the approval resolves.
type callbackRegistration struct {
	ApprovalID string `json:"approvalId"`
	URL        string `json:"url"`
}
