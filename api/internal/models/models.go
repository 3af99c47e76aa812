package models // 模型包

import ( // 依赖导入
	"errors" // 错误定义
	"time"   // 时间类型

	"github.com/google/uuid" // UUID 类型
)

var ( // 通用错误
	ErrNotFound   = errors.New("not found")                     // 记录不存在
	ErrConflict   = errors.New("concurrent modification")      // 乐观锁冲突
	ErrValidation = errors.New("validation failed")            // 参数校验失败
	ErrNoPrice    = errors.New("vehicle model has no price set") // 车型缺少价格
)

const ( // 车辆状态
	VehicleToBeRented    = "to_be_rented"   // 待租
	VehicleRenting       = "renting"        // 租赁中
	VehicleCharging      = "charging"       // 充电中
	VehicleToBeCheckup   = "to_be_checkup"  // 待检查
	VehicleInMaintenance = "in_maintenance" // 维修中
	VehicleAvailable     = "available"      // 可用
)

const ( // 事故处理方式
	ResolutionRefund     = "refund"      // 退款
	ResolutionReplace    = "replace"     // 换车
	ResolutionRepairOnly = "repair_only" // 仅维修
)

type Vehicle struct { // 车辆模型
	VehicleID    uuid.UUID  // 车辆 ID
	ModelID      uuid.UUID  // 车型 ID
	StationID    *uuid.UUID // 站点 ID，可为空
	Plate        string     // 车牌
	Status       string     // 状态
	BatteryLevel int        // 电量百分比
	UpdatedAt    time.Time  // 更新时间
}

// Allocatable reports whether the vehicle may be handed a new window at all.
func (v Vehicle) Allocatable() bool { // 是否可参与分配
	return v.Status != VehicleInMaintenance && v.Status != VehicleToBeCheckup
}

type VehicleModel struct { // 车型模型
	ModelID           uuid.UUID // 车型 ID
	Name              string    // 名称
	PricePerHourCents int64     // 每小时价格（分）
}

type VehicleFilter struct { // 车辆查询条件
	ModelID   *uuid.UUID // 车型，为空表示任意
	StationID *uuid.UUID // 站点，为空表示任意
}

type RentalContract struct { // 租赁合同模型
	ContractID      uuid.UUID  // 合同 ID
	RenterID        uuid.UUID  // 租客 ID
	StaffID         *uuid.UUID // 交车员工 ID
	VehicleID       *uuid.UUID // 车辆 ID
	StationID       uuid.UUID  // 站点 ID
	ModelID         uuid.UUID  // 车型 ID
	StartTime       time.Time  // 开始时间
	EndTime         time.Time  // 结束时间
	ActualStart     *time.Time // 实际取车时间
	ActualEnd       *time.Time // 实际还车时间
	TotalCostCents  int64      // 总费用（分）
	HourlyRateCents int64      // 下单时锁定的小时单价（分）
	PaidCents       int64      // 已支付（分）
	RefundCents     int64      // 退款（分）
	Status          string     // 状态
	OrderCode       *string    // 支付订单号
	CancelReason    string     // 取消原因
	Version         int64      // 乐观锁版本
	CreatedAt       time.Time  // 创建时间
	UpdatedAt       time.Time  // 更新时间
}

func (c RentalContract) HasVehicle(id uuid.UUID) bool { // 是否绑定该车辆
	return c.VehicleID != nil && *c.VehicleID == id
}

type ContractEvent struct { // 合同事件模型
	EventID     uuid.UUID  // 事件 ID
	ContractID  uuid.UUID  // 合同 ID
	EventType   string     // 事件类型
	FromStatus  *string    // 原状态
	ToStatus    *string    // 新状态
	OccurredAt  time.Time  // 发生时间
	ActorUserID *uuid.UUID // 操作用户 ID
	Payload     []byte     // 负载数据
}

type Charge struct { // 补充收费模型
	ChargeID    uuid.UUID // 收费 ID
	ContractID  uuid.UUID // 合同 ID
	AmountCents int64     // 金额（分）
	Reason      string    // 原因
	CreatedAt   time.Time // 创建时间
}

type BookingIntent struct { // 预订意向（临时）
	Token      string    `json:"token"`       // 随机令牌
	OrderCode  string    `json:"order_code"`  // 支付订单号
	RenterID   uuid.UUID `json:"renter_id"`   // 租客 ID
	ModelID    uuid.UUID `json:"model_id"`    // 车型 ID
	StationID  uuid.UUID `json:"station_id"`  // 站点 ID
	VehicleID  uuid.UUID `json:"vehicle_id"`  // 候选车辆 ID
	Start      time.Time `json:"start"`       // 开始时间
	End        time.Time `json:"end"`         // 结束时间
	PriceCents int64     `json:"price_cents"` // 价格（分）
	CreatedAt  time.Time `json:"created_at"`  // 创建时间
	ExpiresAt  time.Time `json:"expires_at"`  // 过期时间
}

type AccidentReport struct { // 事故报告模型
	AccidentID  uuid.UUID  // 事故 ID
	VehicleID   uuid.UUID  // 车辆 ID
	ContractID  *uuid.UUID // 发生时所在合同
	Status      string     // 状态
	Resolution  *string    // 处理方式
	Description string     // 描述
	ReportedBy  *uuid.UUID // 报告人
	ReportedAt  time.Time  // 报告时间
	UpdatedAt   time.Time  // 更新时间
}
