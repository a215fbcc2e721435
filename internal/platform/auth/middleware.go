package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"LIBRA-backend/internal/library/audit"
	"LIBRA-backend/internal/library/entity"
	"LIBRA-backend/internal/platform/errs"
)

const (
	CtxTeacherIDKey = "teacher_id"
	CtxRoleKey      = "role"
)

func abort(c *gin.Context, status int, code errs.Code, msg string) {
	c.AbortWithStatusJSON(status, errs.Body(code, msg))
}

// Accounts はトークンの sub が今も有効な職員かを確かめる
type Accounts interface {
	ActiveRole(ctx context.Context, id string) (entity.Role, error)
}

// RequireAuth: Authorization: Bearer <token> を検証して context に sub/role を詰める。
// accounts があれば削除・無効化された職員のトークンは弾き、role は現在の値を使う
func RequireAuth(secret []byte, accounts Accounts) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.GetHeader("Authorization")
		if h == "" {
			abort(c, http.StatusUnauthorized, errs.CodeUnauthorized, "missing Authorization header")
			return
		}

		parts := strings.SplitN(h, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			abort(c, http.StatusUnauthorized, errs.CodeUnauthorized, "invalid Authorization header")
			return
		}

		tokenStr := strings.TrimSpace(parts[1])
		if tokenStr == "" {
			abort(c, http.StatusUnauthorized, errs.CodeUnauthorized, "empty token")
			return
		}

		// alg は HS256 固定
		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			return secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
		if err != nil || token == nil || !token.Valid {
			abort(c, http.StatusUnauthorized, errs.CodeUnauthorized, "invalid token")
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			abort(c, http.StatusUnauthorized, errs.CodeUnauthorized, "invalid claims")
			return
		}

		sub, err := claims.GetSubject()
		if err != nil || sub == "" {
			abort(c, http.StatusUnauthorized, errs.CodeUnauthorized, "missing sub")
			return
		}

		claimed, _ := claims["role"].(string)
		role := entity.Role(claimed)
		if accounts != nil {
			role, err = accounts.ActiveRole(c.Request.Context(), sub)
			if err != nil {
				c.AbortWithStatusJSON(errs.HTTPStatus(err), errs.FromErr(err))
				return
			}
		}

		c.Set(CtxTeacherIDKey, sub)
		c.Set(CtxRoleKey, role)
		c.Next()
	}
}

// RequireRole: 例) Admin のみ許可したい時に追加
func RequireRole(roles ...entity.Role) gin.HandlerFunc {
	roleSet := make(map[entity.Role]struct{}, len(roles))
	for _, r := range roles {
		roleSet[r] = struct{}{}
	}

	return func(c *gin.Context) {
		role := RoleFrom(c)
		if role == "" {
			abort(c, http.StatusForbidden, errs.CodeForbidden, "missing role")
			return
		}
		if _, allowed := roleSet[role]; !allowed {
			abort(c, http.StatusForbidden, errs.CodeForbidden, "forbidden")
			return
		}
		c.Next()
	}
}

func RoleFrom(c *gin.Context) entity.Role {
	v, ok := c.Get(CtxRoleKey)
	if !ok {
		return ""
	}
	r, _ := v.(entity.Role)
	return r
}

// ActorFrom は監査ログ用の操作者。認証前のリクエストならシステム扱い
func ActorFrom(c *gin.Context) audit.Actor {
	return audit.Actor{
		TeacherID: c.GetString(CtxTeacherIDKey),
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
}
