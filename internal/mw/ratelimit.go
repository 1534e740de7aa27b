package mw

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"chatsync/internal/auth"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type keyLimiter struct {
	lim *rate.Limiter
	ts  time.Time
}

type RL struct {
	mu   sync.Mutex
	m    map[string]*keyLimiter
	r    rate.Limit
	b    int
	ttl  time.Duration
	stop chan struct{}
}

func NewRateLimiter(r rate.Limit, burst int, ttl time.Duration) *RL {
	return &RL{m: make(map[string]*keyLimiter), r: r, b: burst, ttl: ttl, stop: make(chan struct{})}
}

func (rl *RL) get(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	kl, ok := rl.m[key]
	if ok {
		kl.ts = time.Now()
		return kl.lim
	}
	lim := rate.NewLimiter(rl.r, rl.b)
	rl.m[key] = &keyLimiter{lim: lim, ts: time.Now()}
	return lim
}

// Allow 消耗 key 对应桶中的一个令牌。
func (rl *RL) Allow(key string) bool { return rl.get(key).Allow() }

// evict 清除超过 ttl 未使用的桶，返回剩余数量。
func (rl *RL) evict(now time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for k, v := range rl.m {
		if now.Sub(v.ts) > rl.ttl {
			delete(rl.m, k)
		}
	}
	return len(rl.m)
}

// Run 周期性回收过期桶，直到 ctx 取消或 Stop 被调用。
func (rl *RL) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-rl.stop:
			return
		case now := <-ticker.C:
			rl.evict(now)
		}
	}
}

// Stop 停止 GC goroutine，用于优雅停服。
func (rl *RL) Stop() {
	select {
	case <-rl.stop:
	default:
		close(rl.stop)
	}
}

// KeyFunc 决定请求落入哪个令牌桶。
type KeyFunc func(c *gin.Context) string

// ByIP 按客户端 IP + 路由限速。
func ByIP(c *gin.Context) string {
	ip := clientIP(c.Request.RemoteAddr)
	path := c.FullPath()
	if path == "" {
		path = c.Request.URL.Path
	}
	return ip + "|" + path
}

// ByUser 按已认证用户 + 路由限速，未认证时退回 IP。
func ByUser(c *gin.Context) string {
	if id := auth.GetUserID(c); id != "" {
		return "user:" + id + "|" + c.FullPath()
	}
	return ByIP(c)
}

// RateLimit 返回一个令牌桶限速中间件，过期桶由后台 goroutine 回收，ctx 取消时回收停止。
func RateLimit(ctx context.Context, r rate.Limit, burst int, key KeyFunc) gin.HandlerFunc {
	rl := NewRateLimiter(r, burst, 2*time.Minute)
	go rl.Run(ctx)
	return rl.Middleware(key)
}

// Middleware 用 key 选桶，超限返回 429。
func (rl *RL) Middleware(key KeyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.Allow(key(c)) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

func clientIP(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
