// Package docs は /swagger で配る API 定義。
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "securityDefinitions": {
        "BearerAuth": {"type": "apiKey", "name": "Authorization", "in": "header"}
    },
    "security": [{"BearerAuth": []}],
    "definitions": {
        "Error": {
            "type": "object",
            "properties": {
                "error": {
                    "type": "object",
                    "properties": {
                        "code": {"type": "string"},
                        "reason": {"type": "string"},
                        "message": {"type": "string"}
                    }
                }
            }
        }
    },
    "paths": {
        "/login": {"post": {"tags": ["auth"], "summary": "職員ログイン", "security": []}},
        "/me": {"get": {"tags": ["auth"], "summary": "ログイン中の職員"}},
        "/teachers": {"post": {"tags": ["auth"], "summary": "職員登録"}},
        "/titles": {"post": {"tags": ["catalog"], "summary": "書名登録"}},
        "/titles/{title_id}/availability": {"get": {"tags": ["catalog"], "summary": "貸出可能数"}},
        "/titles/{title_id}/copies": {"post": {"tags": ["catalog"], "summary": "コピー追加"}},
        "/titles/{title_id}/queue": {"get": {"tags": ["reporting"], "summary": "予約待ち行列"}},
        "/students": {
            "get": {"tags": ["students"], "summary": "生徒一覧"},
            "post": {"tags": ["students"], "summary": "生徒登録"}
        },
        "/loans": {"post": {"tags": ["circulation"], "summary": "貸出"}},
        "/checkout": {"post": {"tags": ["circulation"], "summary": "QR で貸出"}},
        "/loans/{loan_id}/return": {"post": {"tags": ["circulation"], "summary": "返却"}},
        "/loans/{loan_id}/renew": {"post": {"tags": ["circulation"], "summary": "延長"}},
        "/loans/{loan_id}/lost": {"post": {"tags": ["circulation"], "summary": "紛失"}},
        "/loans/{loan_id}/reminders/{tier}": {"post": {"tags": ["circulation"], "summary": "督促済みにする"}},
        "/reservations": {
            "get": {"tags": ["reporting"], "summary": "有効な予約"},
            "post": {"tags": ["circulation"], "summary": "予約"}
        },
        "/reservations/{reservation_id}/fulfill": {"post": {"tags": ["circulation"], "summary": "予約の受け取り"}},
        "/reservations/{reservation_id}/cancel": {"post": {"tags": ["circulation"], "summary": "予約の取消"}},
        "/batch/sweep": {"post": {"tags": ["circulation"], "summary": "期限切れ予約の整理"}},
        "/batch/reminders": {"post": {"tags": ["circulation"], "summary": "督促の送信"}},
        "/reports/overdue": {"get": {"tags": ["reporting"], "summary": "延滞一覧"}},
        "/reports/due-soon": {"get": {"tags": ["reporting"], "summary": "期限間近"}},
        "/reports/statistics": {"get": {"tags": ["reporting"], "summary": "集計"}},
        "/search/titles": {"get": {"tags": ["reporting"], "summary": "書名検索"}},
        "/audit": {"get": {"tags": ["reporting"], "summary": "監査ログ"}},
        "/settings": {"get": {"tags": ["settings"], "summary": "設定一覧"}}
    }
}`

// SwaggerInfo は起動時に Host などを差し替えられる
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{"https"},
	Title:            "LIBRA school library API",
	Description:      "学校図書室の蔵書・貸出・予約管理",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
