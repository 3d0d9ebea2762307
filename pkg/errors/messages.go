package errors

import "sync"

var catalogs = map[string]map[Kind]string{
	"en": {
		KindTimeout:           "The test server did not respond in time.",
		KindOffline:           "No network connection. Check your connection and try again.",
		KindServerUnavailable: "The test server is currently unavailable.",
		KindAborted:           "The measurement was cancelled.",
		KindNetwork:           "A network error occurred during the measurement.",
	},
	"de": {
		KindTimeout:           "Der Testserver hat nicht rechtzeitig geantwortet.",
		KindOffline:           "Keine Netzwerkverbindung. Bitte Verbindung prüfen und erneut versuchen.",
		KindServerUnavailable: "Der Testserver ist derzeit nicht erreichbar.",
		KindAborted:           "Die Messung wurde abgebrochen.",
		KindNetwork:           "Während der Messung ist ein Netzwerkfehler aufgetreten.",
	},
}

var (
	langMu      sync.RWMutex
	currentLang = "en"
)

// SetLanguage selects the catalog used for default messages. Unknown
// languages are ignored and false is returned.
func SetLanguage(lang string) bool {
	if _, ok := catalogs[lang]; !ok {
		return false
	}
	langMu.Lock()
	currentLang = lang
	langMu.Unlock()
	return true
}

// Language returns the active message catalog.
func Language() string {
	langMu.RLock()
	defer langMu.RUnlock()
	return currentLang
}

// Message returns the human-readable default message for kind.
func Message(kind Kind) string {
	langMu.RLock()
	lang := currentLang
	langMu.RUnlock()
	if msg, ok := catalogs[lang][kind]; ok {
		return msg
	}
	if msg, ok := catalogs["en"][kind]; ok {
		return msg
	}
	return string(kind)
}
