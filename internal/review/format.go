package review

import (
	"fmt"

	"dvmnbot/internal/devman"
)

const (
	statusNegative = "К сожалению, в работе нашлись ошибки."
	statusPositive = "Преподавателю все понравилось!"
)

// FormatAttempt renders the notification for one reviewed lesson.
func FormatAttempt(a devman.Attempt) string {
	status := statusPositive
	if a.IsNegative {
		status = statusNegative
	}
	return fmt.Sprintf("У вас проверили работу \"%s\"\n\n%s\n\nСсылка: %s", a.LessonTitle, status, a.LessonURL)
}

// formatDeliveryFailure is the best-effort notice sent when a review message could not be delivered.
func formatDeliveryFailure(a devman.Attempt) string {
	return fmt.Sprintf("Не удалось доставить уведомление о проверке работы \"%s\".\n\nСсылка: %s", a.LessonTitle, a.LessonURL)
}
