package segment

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Пространство имен для детерминированных идентификаторов (UUIDv5)
var idNamespace = uuid.NewSHA1(uuid.NameSpaceDNS, []byte("segmenter.flybeeper.com"))

// ClusterID идентификатор кластера зависит только от сессии и его первой точки,
// поэтому повторный прогон дает те же идентификаторы
func ClusterID(sessionID string, startedAt time.Time, firstFixID int64) string {
	key := fmt.Sprintf("cluster:%s:%d:%d", sessionID, startedAt.UnixNano(), firstFixID)
	return uuid.NewSHA1(idNamespace, []byte(key)).String()
}

// EventID идентификатор перемещения
func EventID(sessionID string, startedAt, endedAt time.Time) string {
	key := fmt.Sprintf("event:%s:%d:%d", sessionID, startedAt.UnixNano(), endedAt.UnixNano())
	return uuid.NewSHA1(idNamespace, []byte(key)).String()
}
