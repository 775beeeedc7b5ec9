package middleware

import (
	"net/http"
	"runtime/debug"

	"autotrader/pkg/utils"
)

// Recovery - middleware для восстановления после паники в handlers
//
// Паника в одном запросе не должна ронять процесс: торговый цикл
// живёт в том же процессе, что и API.
func Recovery(logger *utils.Logger) func(http.Handler) http.Handler {
	log := logger.WithComponent("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.Error("panic in http handler",
						utils.Any("panic", err),
						utils.String("path", r.URL.Path),
						utils.String("stack", string(debug.Stack())),
					)
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
