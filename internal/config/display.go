package config

// Display labels for the closed enums. State machines are validated against
// the enums themselves; this table only feeds presentation.

var EntryKindLabels = map[string]string{
	"topup":               "Top-up",
	"purchase":            "Purchase",
	"transfer_in":         "Credit received",
	"transfer_out":        "Credit sent",
	"task_reward":         "Task reward",
	"reservation_hold":    "Hold placed",
	"reservation_release": "Hold released",
}

var OrderStatusLabels = map[string]string{
	"pending_approval": "Waiting for approval",
	"awaiting_payment": "Awaiting payment",
	"paid":             "Paid",
	"rejected":         "Rejected",
	"cancelled":        "Cancelled",
}

func EntryKindLabel(kind string) string {
	if label, ok := EntryKindLabels[kind]; ok {
		return label
	}
	return kind
}

func OrderStatusLabel(status string) string {
	if label, ok := OrderStatusLabels[status]; ok {
		return label
	}
	return status
}
