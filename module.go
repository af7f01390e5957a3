package nekoshare

import (
	"runtime"
	"sync"

	"go.uber.org/zap"

	"github.com/thiratt/nekoshare-gateway/xlog"
)

var (
	defaultIsStackBuf  = false
	defaultStackBufLen = 4096

	mu   sync.Mutex
	mods []*module
)

type (
	ModuleConf struct {
		// Log the goroutine stack when Destroy panics
		IsStackBuf  bool
		StackBufLen int
	}

	// Module is a component with a lifecycle: Init once, Run until done is
	// signalled, then Destroy.
	Module interface {
		Init()
		Destroy()
		Run(done chan struct{})
	}

	module struct {
		mi  Module
		wg  sync.WaitGroup
		sig chan struct{}
	}
)

// MustConf sets how module panics are reported. Call before Init.
func MustConf(conf ModuleConf) {
	defaultIsStackBuf = conf.IsStackBuf
	if conf.StackBufLen > 0 {
		defaultStackBufLen = conf.StackBufLen
	}
}

// Register adds mi to the modules started by Init.
func Register(mi Module) {
	m := &module{mi: mi, sig: make(chan struct{}, 1)}

	mu.Lock()
	mods = append(mods, m)
	mu.Unlock()
}

// Init initializes every registered module in order, then runs each on its
// own goroutine.
func Init() {
	mu.Lock()
	defer mu.Unlock()

	for i := range mods {
		mods[i].mi.Init()
	}
	for i := range mods {
		m := mods[i]
		m.wg.Add(1)
		go run(m)
	}
}

// Destroy stops the modules in reverse order and forgets them.
func Destroy() {
	mu.Lock()
	defer mu.Unlock()

	for i := len(mods) - 1; i >= 0; i-- {
		m := mods[i]
		m.sig <- struct{}{}
		m.wg.Wait()
		destroy(m)
	}
	mods = nil
}

func run(m *module) {
	defer m.wg.Done()
	m.mi.Run(m.sig)
}

func destroy(m *module) {
	defer func() {
		if r := recover(); r != nil {
			if defaultIsStackBuf {
				buf := make([]byte, defaultStackBufLen)
				l := runtime.Stack(buf, false)
				xlog.Write().Sugar().Errorf("%v: %s", r, buf[:l])
			} else {
				xlog.Write().Error("module destroy panic", zap.Any("panic", r))
			}
		}
	}()

	m.mi.Destroy()
}
