// Package logger предоставляет логирование с префиксом сервиса и асинхронной записью,
// чтобы не блокировать обработку запросов и циклы подписок.
// Запись идёт через log/slog: tint (цветной текст на терминале) или JSON при LOG_FORMAT=json.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/term"
)

const asyncBufferSize = 8192

// flushTimeout ограничивает ожидание Flush, если воркер не успевает разобрать очередь.
const flushTimeout = 5 * time.Second

// entry — запись очереди; flushed != nil означает метку Flush, а не сообщение.
type entry struct {
	level   slog.Level
	msg     string
	flushed chan struct{}
}

var (
	prefix   string
	logLevel = new(slog.LevelVar)
	once     sync.Once
	out      io.Writer = os.Stderr
	base     *slog.Logger

	// mu защищает ch от отправки после закрытия: enqueue и Flush держат RLock, Close — Lock.
	mu     sync.RWMutex
	ch     chan entry
	done   chan struct{}
	closed bool
)

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func newHandler(w io.Writer) slog.Handler {
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "json") {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: logLevel})
	}
	noColor := true
	if f, ok := w.(*os.File); ok {
		noColor = !term.IsTerminal(int(f.Fd()))
	}
	return tint.NewHandler(w, &tint.Options{
		Level:      logLevel,
		TimeFormat: time.DateTime,
		NoColor:    noColor,
	})
}

func initWorker() {
	logLevel.Set(parseLevel(os.Getenv("LOG_LEVEL")))
	mu.Lock()
	defer mu.Unlock()
	base = slog.New(newHandler(out))
	ch = make(chan entry, asyncBufferSize)
	done = make(chan struct{})
	closed = false
	go worker(base, ch, done)
}

func worker(l *slog.Logger, queue <-chan entry, finished chan<- struct{}) {
	defer close(finished)
	for e := range queue {
		if e.flushed != nil {
			close(e.flushed)
			continue
		}
		l.Log(context.Background(), e.level, e.msg)
	}
}

func enqueue(level slog.Level, msg string) {
	once.Do(initWorker)
	if level < logLevel.Level() {
		return
	}
	mu.RLock()
	defer mu.RUnlock()
	if closed {
		// После Close пишем синхронно: логи остановки не теряются.
		base.Log(context.Background(), level, tag()+msg)
		return
	}
	select {
	case ch <- entry{level: level, msg: tag() + msg}:
	default:
		// Буфер полон — не блокируем, теряем лог
	}
}

// SetPrefix задаёт префикс для всех последующих логов (например "api").
func SetPrefix(p string) {
	prefix = p
}

// SetLevel меняет уровень логирования (значение из конфига: debug, info, warn, error).
func SetLevel(level string) {
	once.Do(initWorker)
	logLevel.Set(parseLevel(level))
}

// Flush ждёт, пока воркер запишет всё, что поставлено в очередь до вызова (не дольше flushTimeout).
func Flush() {
	once.Do(initWorker)
	marker := make(chan struct{})
	mu.RLock()
	if closed {
		mu.RUnlock()
		return
	}
	select {
	case ch <- entry{flushed: marker}:
	case <-time.After(flushTimeout):
		mu.RUnlock()
		return
	}
	mu.RUnlock()
	select {
	case <-marker:
	case <-time.After(flushTimeout):
	}
}

// Close дописывает очередь и останавливает воркер. Повторный вызов ничего не делает;
// логи после Close пишутся синхронно.
func Close() {
	once.Do(initWorker)
	mu.Lock()
	if closed {
		mu.Unlock()
		return
	}
	closed = true
	close(ch)
	finished := done
	mu.Unlock()
	<-finished
}

func tag() string {
	if prefix == "" {
		return ""
	}
	return "[" + prefix + "] "
}

// Info пишет сообщение уровня info.
func Info(v ...any) {
	enqueue(slog.LevelInfo, fmt.Sprint(v...))
}

// Infof — Info с форматированием.
func Infof(format string, v ...any) {
	enqueue(slog.LevelInfo, fmt.Sprintf(format, v...))
}

// Debugf пишет отладочное сообщение; на уровне info отбрасывается.
func Debugf(format string, v ...any) {
	enqueue(slog.LevelDebug, fmt.Sprintf(format, v...))
}

// Warnf пишет предупреждение: операция продолжилась, но что-то пошло не так.
func Warnf(format string, v ...any) {
	enqueue(slog.LevelWarn, fmt.Sprintf(format, v...))
}

// Error пишет сообщение уровня error.
func Error(v ...any) {
	enqueue(slog.LevelError, fmt.Sprint(v...))
}

// Errorf — Error с форматированием.
func Errorf(format string, v ...any) {
	enqueue(slog.LevelError, fmt.Sprintf(format, v...))
}

// LogDuration логирует имя функции и время выполнения в миллисекундах (асинхронно).
// На уровне info пишутся только вызовы дольше 100ms; на debug — все.
func LogDuration(fn string, start time.Time) {
	elapsed := time.Since(start)
	if logLevel.Level() <= slog.LevelDebug {
		enqueue(slog.LevelDebug, fmt.Sprintf("fn=%s duration_ms=%d", fn, elapsed.Milliseconds()))
		return
	}
	if elapsed >= 100*time.Millisecond {
		enqueue(slog.LevelInfo, fmt.Sprintf("fn=%s duration_ms=%d", fn, elapsed.Milliseconds()))
	}
}

// DeferLogDuration возвращает функцию для defer: defer logger.DeferLogDuration("ticket.Insert", time.Now())().
func DeferLogDuration(fn string, start time.Time) func() {
	return func() { LogDuration(fn, start) }
}
