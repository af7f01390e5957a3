package xlog

import (
	"fmt"
	"os"
	rsync "sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	timeKey         = "time"
	EncodingJson    = "json"
	EncodingConsole = "console"
	FileMode        = "file"
	ConsoleMode     = "console"
)

var (
	levels = map[string]zapcore.Level{
		"debug": zap.DebugLevel,
		"info":  zap.InfoLevel,
		"error": zap.ErrorLevel,
		"warn":  zap.WarnLevel,
		"panic": zap.PanicLevel,
		"fatal": zap.FatalLevel,
	}

	atomicConf   *XLogConf
	atomicLogger *XLog
	mutex        rsync.RWMutex
)

type (
	XLogConf struct {
		ServiceName string `json:",optional"`
		// log path
		Path string `json:",optional"`
		// log file name
		Filename string `json:",optional"`
		//	file or console
		Mode string `json:",default=console"`
		//	json or console
		Encoding   string `json:",default=console"`
		TimeFormat string `json:",optional"`
		//	debug, info, error, warn, panic, fatal
		Level    string `json:",default=info"`
		Compress bool   `json:",optional"`
		KeepDays int    `json:",optional"`
		MaxSize  int    `json:",optional"`
	}
	XLog struct {
		conf *XLogConf

		instance *zap.Logger
	}
)

func init() {
	if atomicConf == nil {
		atomicConf = &XLogConf{}
		defaultConf(atomicConf)
	}
	atomicLogger = &XLog{
		instance: instance(*atomicConf),
	}
}

// Load replaces the process logger. It is safe to call while other goroutines log.
func Load(conf *XLogConf) {
	mutex.Lock()
	defer mutex.Unlock()

	defaultConf(conf)
	atomicConf = conf
	atomicLogger = &XLog{conf: conf}
	atomicLogger.instance = instance(*conf)
}

// Replace installs an already built logger, mostly for tests (zaptest, observer).
func Replace(l *zap.Logger) {
	mutex.Lock()
	defer mutex.Unlock()

	atomicLogger = &XLog{conf: atomicConf, instance: l}
}

func Write() *zap.Logger {
	mutex.RLock()
	defer mutex.RUnlock()

	return atomicLogger.instance
}

// Transport returns the logger sink for one transport kind ("TCP", "WebSocket").
// Every line carries the transport field.
func Transport(kind string) *zap.Logger {
	return Write().With(zap.String("transport", kind))
}

// Sync flushes buffered entries, called on shutdown.
func Sync() {
	_ = Write().Sync()
}

func instance(conf XLogConf) *zap.Logger {
	opts := []zap.Option{
		zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel),
	}
	if len(conf.ServiceName) > 0 {
		opts = append(opts, zap.Fields(zap.String("service", conf.ServiceName)))
	}

	var write zapcore.WriteSyncer
	switch conf.Mode {
	case FileMode:
		write = sync(conf)
	default:
		write = zapcore.Lock(os.Stdout)
	}

	// logs level default : debug
	level, ok := levels[conf.Level]
	if !ok {
		level = zap.DebugLevel
	}
	return zap.New(zapcore.NewCore(encoder(conf), write, level), opts...)
}

func sync(conf XLogConf) zapcore.WriteSyncer {
	return zapcore.AddSync(&lumberjack.Logger{
		Filename: fmt.Sprintf("%s/%s", conf.Path, conf.Filename),
		Compress: conf.Compress,
		MaxAge:   conf.KeepDays,
		MaxSize:  conf.MaxSize,
	})
}

func encoder(conf XLogConf) zapcore.Encoder {
	var encoder zapcore.Encoder
	econf := zap.NewProductionEncoderConfig()
	econf.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format(conf.TimeFormat))
	}
	if conf.Level == "debug" && conf.Mode != FileMode {
		econf.EncodeLevel = zapcore.LowercaseColorLevelEncoder
	} else {
		econf.EncodeLevel = zapcore.LowercaseLevelEncoder
	}
	econf.TimeKey = timeKey
	switch conf.Encoding {
	case EncodingJson:
		encoder = zapcore.NewJSONEncoder(econf)
	default:
		encoder = zapcore.NewConsoleEncoder(econf)
	}
	return encoder
}

func defaultConf(conf *XLogConf) {
	if len(conf.Path) == 0 {
		path, _ := os.Getwd()
		conf.Path = fmt.Sprintf("%s/logs", path)
	}

	if len(conf.Level) == 0 {
		conf.Level = "debug"
	}

	if len(conf.Filename) == 0 {
		conf.Filename = "gateway.log"
	}

	if len(conf.Encoding) == 0 {
		conf.Encoding = EncodingConsole
	}

	if len(conf.TimeFormat) == 0 {
		conf.TimeFormat = "2006-01-02 15:04:05"
	}

	if conf.KeepDays == 0 {
		conf.KeepDays = 7
	}

	if conf.MaxSize == 0 {
		conf.MaxSize = 100
	}
}
