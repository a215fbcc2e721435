// Package audit は監査ログの書き込みと、論理削除・復元の共通処理をまとめる。
// 書き込みは呼び出し側のトランザクション（storage.Querier）で行い、失敗したら操作ごと取り消す。
package audit

import (
	"context"
	"time"

	jsoniter "github.com/json-iterator/go"

	"LIBRA-backend/internal/library/entity"
	"LIBRA-backend/internal/library/storage"
	"LIBRA-backend/internal/platform/clock"
	"LIBRA-backend/internal/platform/errs"
	"LIBRA-backend/internal/platform/ids"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// 監査ログの action
const (
	ActionLoanOpen           = "loan.open"
	ActionLoanReturn         = "loan.return"
	ActionLoanRenew          = "loan.renew"
	ActionLoanLost           = "loan.lost"
	ActionLoanReminder       = "loan.reminder"
	ActionReservationCreate  = "reservation.create"
	ActionReservationHold    = "reservation.hold"
	ActionReservationFulfill = "reservation.fulfill"
	ActionReservationCancel  = "reservation.cancel"
	ActionReservationExpire  = "reservation.expire"
	ActionTitleCreate        = "title.create"
	ActionTitleUpdate        = "title.update"
	ActionTitleEnrich        = "title.enrich"
	ActionCopyCreate         = "copy.create"
	ActionCopyUpdate         = "copy.update"
	ActionCopyStatus         = "copy.status"
	ActionStudentCreate      = "student.create"
	ActionStudentUpdate      = "student.update"
	ActionTeacherCreate      = "teacher.create"
	ActionTeacherPassword    = "teacher.password"
	ActionSettingSet         = "setting.set"
	ActionDelete             = "delete"
	ActionRestore            = "restore"
)

// Actor は操作者。TeacherID が空ならシステム操作（teacher_id は NULL）
type Actor struct {
	TeacherID string
	IP        string
	UserAgent string
}

// System は CLI・定期処理用の操作者
func System() Actor { return Actor{IP: "local", UserAgent: "system"} }

func (a Actor) IsSystem() bool { return a.TeacherID == "" }

type Recorder struct {
	clock clock.Clock
	ids   ids.IDGen
}

func NewRecorder(clk clock.Clock, gen ids.IDGen) *Recorder {
	return &Recorder{clock: clk, ids: gen}
}

func (r *Recorder) Now() time.Time { return r.clock.Now() }

func (r *Recorder) NewID() string { return r.ids.NewULID(r.clock.Now()) }

// Record は監査ログを1件追加する。details は JSON にして保存する（nil なら NULL）
func (r *Recorder) Record(ctx context.Context, q storage.Querier, actor Actor, action, entityType, entityID string, details any) error {
	now := r.clock.Now()
	row := entity.AuditLog{
		Base:       entity.NewBase(r.ids.NewULID(now), now),
		Action:     action,
		EntityType: entityType,
		IPAddress:  actor.IP,
		UserAgent:  actor.UserAgent,
	}
	if !actor.IsSystem() {
		tid := actor.TeacherID
		row.TeacherID = &tid
	}
	if entityID != "" {
		eid := entityID
		row.EntityID = &eid
	}
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			return errs.Invalid("audit details are not serializable: " + err.Error())
		}
		s := string(b)
		row.Details = &s
	}
	if err := storage.Insert(ctx, q, &row); err != nil {
		return storage.Translate(err, "audit log")
	}
	return nil
}

// DecodeDetails は保存された details を dest に戻す
func DecodeDetails(l entity.AuditLog, dest any) error {
	if l.Details == nil {
		return nil
	}
	return json.UnmarshalFromString(*l.Details, dest)
}
