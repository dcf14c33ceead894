package model

// NotificationVariant selects how a notification is styled.
type NotificationVariant string

const (
	VariantDefault     NotificationVariant = "default"
	VariantDestructive NotificationVariant = "destructive"
)

// Notification is a one-shot toast shown on the next rendered page.
type Notification struct {
	Variant     NotificationVariant `json:"variant"`
	Title       string              `json:"title"`
	Description string              `json:"description,omitempty"`
}

// Success builds a default-variant notification.
func Success(title string) Notification {
	return Notification{Variant: VariantDefault, Title: title}
}

// Failure builds a destructive notification.
func Failure(title, description string) Notification {
	return Notification{Variant: VariantDestructive, Title: title, Description: description}
}
