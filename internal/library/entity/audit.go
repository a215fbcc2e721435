package entity

// AuditLog は追記のみ。作成後に更新も論理削除もしない
type AuditLog struct {
	Base
	TeacherID  *string `db:"teacher_id"  json:"teacher_id,omitempty"`
	Action     string  `db:"action"      json:"action"`
	EntityType string  `db:"entity_type" json:"entity_type"`
	EntityID   *string `db:"entity_id"   json:"entity_id,omitempty"`
	Details    *string `db:"details"     json:"details,omitempty"`
	IPAddress  string  `db:"ip_address"  json:"ip_address"`
	UserAgent  string  `db:"user_agent"  json:"user_agent"`
}

func (AuditLog) TableName() string { return "audit_logs" }

// AppSetting はキーと値の設定。is_system はアプリが管理する値
type AppSetting struct {
	Base
	Key      string `db:"setting_key"   json:"key"`
	Value    string `db:"setting_value" json:"value"`
	Category string `db:"category"      json:"category"`
	IsSystem bool   `db:"is_system"     json:"is_system"`
}

func (AppSetting) TableName() string  { return "app_settings" }
func (AppSetting) EntityType() string { return TypeSetting }
